package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	authModels "homeservice-realtime/data-models/auth"
	bookingModels "homeservice-realtime/data-models/booking"
	"homeservice-realtime/data-models/common"

	"github.com/rs/zerolog"
)

type memCreds struct {
	mu      sync.Mutex
	access  string
	refresh string
}

func (m *memCreds) Tokens() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access, m.refresh
}

func (m *memCreds) UpdateTokens(access, refresh string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = access
	if refresh != "" {
		m.refresh = refresh
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newAuthServer 只接受 valid token；refreshOK 決定換發是否成功
func newAuthServer(t *testing.T, valid string, refreshOK bool, refreshes *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(refreshes, 1)
		if !refreshOK {
			writeJSON(w, http.StatusUnauthorized, common.ErrorResponse[authModels.TokenPair]("換發失敗", "refresh token 已失效"))
			return
		}
		writeJSON(w, http.StatusOK, common.SuccessResponse("ok", &authModels.TokenPair{AccessToken: valid, RefreshToken: "r2"}))
	})
	mux.HandleFunc("/api/v1/bookings/42/accept", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+valid {
			writeJSON(w, http.StatusUnauthorized, common.ErrorResponse[bookingModels.AcceptResult]("未授權", "token 過期"))
			return
		}
		writeJSON(w, http.StatusOK, common.SuccessResponse("接單成功", &bookingModels.AcceptResult{BookingID: "42", Status: "accepted"}))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRefreshThenRetryOnce(t *testing.T) {
	var refreshes int32
	srv := newAuthServer(t, "new", true, &refreshes)
	creds := &memCreds{access: "old", refresh: "r1"}
	c := New(srv.URL, creds, nil, zerolog.Nop())

	logout := false
	c.OnForcedLogout(func() { logout = true })

	res, err := c.AcceptBooking(context.Background(), "42")
	if err != nil {
		t.Fatalf("接單失敗: %v", err)
	}
	if res.Status != "accepted" {
		t.Errorf("狀態 = %s", res.Status)
	}
	if atomic.LoadInt32(&refreshes) != 1 {
		t.Errorf("換發次數 = %d, 預期 1", atomic.LoadInt32(&refreshes))
	}
	if access, refresh := creds.Tokens(); access != "new" || refresh != "r2" {
		t.Errorf("token 未更新: %s/%s", access, refresh)
	}
	if logout {
		t.Errorf("換發成功不應登出")
	}
}

func TestRefreshFailureForcesLogout(t *testing.T) {
	var refreshes int32
	srv := newAuthServer(t, "new", false, &refreshes)
	c := New(srv.URL, &memCreds{access: "old", refresh: "r1"}, nil, zerolog.Nop())

	logout := 0
	c.OnForcedLogout(func() { logout++ })

	_, err := c.AcceptBooking(context.Background(), "42")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("錯誤 = %v, 預期 ErrUnauthorized", err)
	}
	if logout != 1 {
		t.Errorf("登出次數 = %d, 預期 1", logout)
	}
	if atomic.LoadInt32(&refreshes) != 1 {
		t.Errorf("換發次數 = %d, 預期 1", atomic.LoadInt32(&refreshes))
	}
}

func TestStillUnauthorizedAfterRefresh(t *testing.T) {
	var refreshes int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		writeJSON(w, http.StatusOK, common.SuccessResponse("ok", &authModels.TokenPair{AccessToken: "still-bad"}))
	})
	mux.HandleFunc("/api/v1/bookings/42/accept", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, common.ErrorResponse[bookingModels.AcceptResult]("未授權", ""))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(srv.URL, &memCreds{access: "old", refresh: "r1"}, nil, zerolog.Nop())

	logout := 0
	c.OnForcedLogout(func() { logout++ })
	_, err := c.AcceptBooking(context.Background(), "42")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("錯誤 = %v, 預期 ErrUnauthorized", err)
	}
	if logout != 1 {
		t.Errorf("登出次數 = %d, 預期 1", logout)
	}
	if n := atomic.LoadInt32(&refreshes); n != 1 {
		t.Errorf("只應換發一次，實際 %d 次", n)
	}
}

func TestConcurrentUnauthorizedSharesRefresh(t *testing.T) {
	var refreshes int32
	srv := newAuthServer(t, "new", true, &refreshes)
	creds := &memCreds{access: "old", refresh: "r1"}
	c := New(srv.URL, creds, nil, zerolog.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.AcceptBooking(context.Background(), "42")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("並行請求失敗: %v", err)
		}
	}
	if atomic.LoadInt32(&refreshes) != 1 {
		t.Errorf("換發次數 = %d, 預期 1", atomic.LoadInt32(&refreshes))
	}
}

func TestEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, common.ErrorResponse[bookingModels.AcceptResult]("訂單已被接走", "booking taken"))
	}))
	defer srv.Close()
	c := New(srv.URL, &memCreds{access: "a"}, nil, zerolog.Nop())

	_, err := c.AcceptBooking(context.Background(), "42")
	if StatusCode(err) != http.StatusConflict {
		t.Fatalf("狀態碼 = %d, 錯誤 = %v", StatusCode(err), err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Message != "訂單已被接走" {
		t.Errorf("錯誤內容 = %v", err)
	}
}

func TestNoCredential(t *testing.T) {
	c := New("http://127.0.0.1:1", &memCreds{}, nil, zerolog.Nop())
	if _, err := c.GetBooking(context.Background(), "1"); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("錯誤 = %v, 預期 ErrNoCredential", err)
	}
}
