package search

import "testing"

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{
			name:     "https with REST port remaps to gRPC",
			url:      "https://xyz.cloud.qdrant.io:6333",
			wantHost: "xyz.cloud.qdrant.io",
			wantPort: 6334,
			wantTLS:  true,
		},
		{
			name:     "http localhost",
			url:      "http://localhost:6333",
			wantHost: "localhost",
			wantPort: 6334,
			wantTLS:  false,
		},
		{
			name:     "explicit gRPC port kept",
			url:      "http://localhost:6334",
			wantHost: "localhost",
			wantPort: 6334,
			wantTLS:  false,
		},
		{
			name:     "no port defaults to gRPC",
			url:      "https://qdrant.internal",
			wantHost: "qdrant.internal",
			wantPort: 6334,
			wantTLS:  true,
		},
		{
			name:     "nonstandard port kept",
			url:      "http://qdrant.internal:7000",
			wantHost: "qdrant.internal",
			wantPort: 7000,
		},
		{
			name:    "empty",
			url:     "",
			wantErr: true,
		},
		{
			name:    "garbage port",
			url:     "http://host:notaport",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseQdrantURL(%q) expected error, got host=%s port=%d", tt.url, host, port)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseQdrantURL(%q): %v", tt.url, err)
			}
			if host != tt.wantHost || port != tt.wantPort || useTLS != tt.wantTLS {
				t.Errorf("parseQdrantURL(%q) = (%s, %d, %v), want (%s, %d, %v)",
					tt.url, host, port, useTLS, tt.wantHost, tt.wantPort, tt.wantTLS)
			}
		})
	}
}
