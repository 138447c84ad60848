package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public IP over https", "https://8.8.8.8/alerts", false},
		{"public IP over http", "http://8.8.8.8/alerts", false},
		{"loopback IP", "https://127.0.0.1/alerts", true},
		{"private IP", "https://10.0.0.5/alerts", true},
		{"link-local IP", "https://169.254.169.254/latest/meta-data", true},
		{"unspecified IP", "https://0.0.0.0/alerts", true},
		{"localhost", "https://localhost/alerts", true},
		{"cloud metadata hostname", "https://metadata.google.internal/computeMetadata", true},
		{"bad scheme", "ftp://example.com/alerts", true},
		{"no host", "https:///alerts", true},
		{"not a url", "://not-a-url", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpointURL(tc.url)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateEndpointURL(%q) error = %v, wantErr %v", tc.url, err, tc.wantErr)
			}
		})
	}
}
