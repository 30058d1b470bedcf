package sessionclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestBearerTransportRetriesOnceAfterRefresh(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &fakeBackend{}
	tokens := NewTokenStore(NewMemoryKeyValueStore(), "")
	if err := tokens.save(ctx, &TokenPair{Access: "expired"}, tokens.Revision()); err != nil {
		t.Fatalf("save error: %v", err)
	}
	issuer := newTestIssuer(t, backend, tokens, nil, nil)

	var seenMutex sync.Mutex
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		authorization := request.Header.Get("Authorization")
		seenMutex.Lock()
		seen = append(seen, authorization)
		seenMutex.Unlock()
		if authorization != "Bearer access-1" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := &http.Client{Transport: &BearerTransport{Issuer: issuer, Base: server.Client().Transport}}
	request, _ := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/api/matches", strings.NewReader(`{"page":1}`))
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d", response.StatusCode)
	}
	seenMutex.Lock()
	defer seenMutex.Unlock()
	if len(seen) != 2 || seen[0] != "Bearer expired" || seen[1] != "Bearer access-1" {
		t.Fatalf("unexpected authorization sequence %v", seen)
	}
	if backend.issueCalls.Load() != 1 {
		t.Fatalf("expected one refresh, got %d", backend.issueCalls.Load())
	}
}

func TestBearerTransportDoesNotLoopOnPersistent401(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &fakeBackend{}
	tokens := NewTokenStore(NewMemoryKeyValueStore(), "")
	if err := tokens.save(ctx, &TokenPair{Access: "expired"}, tokens.Revision()); err != nil {
		t.Fatalf("save error: %v", err)
	}
	issuer := newTestIssuer(t, backend, tokens, nil, nil)

	requests := 0
	var requestsMutex sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requestsMutex.Lock()
		requests++
		requestsMutex.Unlock()
		writer.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := &http.Client{Transport: &BearerTransport{Issuer: issuer, Base: server.Client().Transport}}
	response, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 to surface, got %d", response.StatusCode)
	}
	requestsMutex.Lock()
	defer requestsMutex.Unlock()
	if requests != 2 {
		t.Fatalf("expected exactly one retry, got %d requests", requests)
	}
}

func TestBearerTransportWithoutSession(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t, &fakeBackend{}, NewTokenStore(NewMemoryKeyValueStore(), ""), nil, nil)
	client := &http.Client{Transport: &BearerTransport{Issuer: issuer}}
	if _, err := client.Get("http://127.0.0.1:1/never"); err == nil {
		t.Fatalf("expected error without a bearer token")
	}
}
