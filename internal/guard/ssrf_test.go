package guard

import "testing"

func TestIsSafeOriginURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		url  string
		safe bool
	}{
		{"public https", "https://example.com/x", true},
		{"public http", "http://example.com/", true},
		{"public ip", "https://93.184.216.34/", true},
		{"localhost", "http://localhost/", false},
		{"localhost with port", "http://localhost:8080/", false},
		{"localhost subdomain", "http://foo.localhost/", false},
		{"loopback v4", "http://127.0.0.1/", false},
		{"loopback v4 range", "http://127.8.8.8/", false},
		{"loopback v6", "http://[::1]/", false},
		{"private 10", "http://10.1.2.3/", false},
		{"private 172", "http://172.16.0.1/", false},
		{"172 outside private block", "http://172.32.0.1/", true},
		{"private 192", "http://192.168.1.1/", false},
		{"link local", "http://169.254.169.254/latest/meta-data", false},
		{"link local v6", "http://[fe80::1]/", false},
		{"unspecified", "http://0.0.0.0/", false},
		{"ftp scheme", "ftp://example.com/", false},
		{"file scheme", "file:///etc/passwd", false},
		{"no host", "https:///path", false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			safe, reason := IsSafeOriginURL(tc.url)
			if safe != tc.safe {
				t.Fatalf("IsSafeOriginURL(%q) = (%v, %q), want safe=%v", tc.url, safe, reason, tc.safe)
			}
			if !safe && reason == "" {
				t.Fatalf("IsSafeOriginURL(%q) rejected without a reason", tc.url)
			}
		})
	}
}
