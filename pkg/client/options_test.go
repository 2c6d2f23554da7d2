package client

import (
	"testing"
	"time"
)

func TestDefaultClientOptions(t *testing.T) {
	options := DefaultClientOptions()

	if options.Endpoint != "localhost:50061" {
		t.Errorf("Expected default endpoint to be localhost:50061, got %s", options.Endpoint)
	}

	if options.ConnectTimeout != 5*time.Second {
		t.Errorf("Expected default connect timeout to be 5s, got %s", options.ConnectTimeout)
	}

	if options.RequestTimeout != 10*time.Second {
		t.Errorf("Expected default request timeout to be 10s, got %s", options.RequestTimeout)
	}

	if options.TLSEnabled != false {
		t.Errorf("Expected default TLS enabled to be false")
	}

	if options.MaxRetries != 3 {
		t.Errorf("Expected default max retries to be 3, got %d", options.MaxRetries)
	}
}
