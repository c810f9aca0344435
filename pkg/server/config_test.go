package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDefaultSessionConfig(t *testing.T) {
	config := DefaultSessionConfig()

	if config.ReadTimeout <= config.HeartbeatInterval {
		t.Errorf("ReadTimeout %v must exceed HeartbeatInterval %v",
			config.ReadTimeout, config.HeartbeatInterval)
	}
	if config.WriteTimeout <= 0 {
		t.Error("WriteTimeout must be positive")
	}
	if config.MaxMessageSize <= 0 {
		t.Error("MaxMessageSize must be positive")
	}
	if config.EventQueueSize <= 0 {
		t.Error("EventQueueSize must be positive")
	}
}

func TestSessionConfigClone(t *testing.T) {
	config := DefaultSessionConfig()
	clone := config.Clone()

	clone.EventQueueSize = 1
	if config.EventQueueSize == 1 {
		t.Error("mutating the clone changed the original")
	}

	var nilConfig *SessionConfig
	if nilConfig.Clone() != nil {
		t.Error("Clone() of nil = non-nil")
	}
}

func TestDefaultServerConfig(t *testing.T) {
	config := DefaultServerConfig()

	if config.Address == "" {
		t.Error("Address is empty")
	}
	if config.CheckOrigin == nil {
		t.Error("CheckOrigin is nil")
	}
	if config.SessionConfig == nil {
		t.Error("SessionConfig is nil")
	}
	if config.ShutdownTimeout <= 0 {
		t.Error("ShutdownTimeout must be positive")
	}
}

func TestServerConfigClone(t *testing.T) {
	config := DefaultServerConfig()
	clone := config.Clone()

	clone.SessionConfig.EventQueueSize = 1
	if config.SessionConfig.EventQueueSize == 1 {
		t.Error("mutating the clone's session config changed the original")
	}

	var nilConfig *ServerConfig
	if nilConfig.Clone() != nil {
		t.Error("Clone() of nil = non-nil")
	}
}

func TestNewFillsDefaults(t *testing.T) {
	s := New(nil, &ServerConfig{})

	if s.config.Address != ":8080" {
		t.Errorf("Address = %q, want %q", s.config.Address, ":8080")
	}
	if s.config.CheckOrigin == nil {
		t.Error("CheckOrigin not defaulted")
	}
	if s.config.SessionConfig == nil {
		t.Error("SessionConfig not defaulted")
	}
	if s.config.Auth == nil {
		t.Error("Auth not defaulted")
	}
}

func TestSameOriginCheck(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin header", "", "example.com:8080", true},
		{"matching host", "http://example.com:8080", "example.com:8080", true},
		{"different host", "http://evil.test", "example.com:8080", false},
		{"different port", "http://example.com:9090", "example.com:8080", false},
		{"unparseable origin", "http://[::1", "example.com:8080", false},
		{"empty host", "http://example.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}

			if got := SameOriginCheck(r); got != tt.want {
				t.Errorf("SameOriginCheck() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryAuth(t *testing.T) {
	tests := []struct {
		name             string
		target           string
		wantUser         int64
		wantConversation int64
		wantErr          bool
	}{
		{"both params", "/ws?user=7&conversation=42", 7, 42, false},
		{"missing user", "/ws?conversation=42", 0, 0, true},
		{"missing conversation", "/ws?user=7", 0, 0, true},
		{"non-numeric user", "/ws?user=alice&conversation=42", 0, 0, true},
		{"empty query", "/ws", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)

			user, conversation, err := QueryAuth(r)
			if tt.wantErr {
				if !errors.Is(err, ErrAuthRequired) {
					t.Fatalf("QueryAuth() error = %v, want %v", err, ErrAuthRequired)
				}
				return
			}
			if err != nil {
				t.Fatalf("QueryAuth() error = %v", err)
			}
			if user != tt.wantUser || conversation != tt.wantConversation {
				t.Errorf("QueryAuth() = (%d, %d), want (%d, %d)",
					user, conversation, tt.wantUser, tt.wantConversation)
			}
		})
	}
}
