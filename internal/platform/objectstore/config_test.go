package objectstore

import (
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	base := Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s", Region: "us-east-1", BucketArtifacts: "artifacts"}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "scheme", mutate: func(c *Config) { c.Endpoint = "http://localhost:9000" }, want: "scheme"},
		{name: "bucket", mutate: func(c *Config) { c.BucketArtifacts = " " }, want: "artifacts bucket"},
		{name: "secret", mutate: func(c *Config) { c.SecretKey = "" }, want: "secret key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() err=%v, want %q", err, tc.want)
			}
		})
	}
}
