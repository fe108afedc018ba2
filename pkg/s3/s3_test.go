package s3

import (
	"context"
	"testing"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "missing endpoint", opts: Options{AccessKey: "a", SecretKey: "b"}, wantErr: true},
		{name: "missing keys", opts: Options{Endpoint: "minio:9000"}, wantErr: true},
		{name: "valid", opts: Options{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "b", DisableTLS: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
