package config

import (
	"testing"
)

func TestDocker(t *testing.T) {
	// DOCKER_CONFIG is read once by the docker cli package, so this test cannot run in parallel
	t.Setenv("DOCKER_CONFIG", "testdata")
	hosts, err := DockerLoad(nil)
	if err != nil {
		t.Fatalf("error loading docker credentials: %v", err)
	}
	hostMap := map[string]Host{}
	for _, h := range hosts {
		hostMap[h.Name] = h
	}
	tests := []struct {
		name           string
		expectUser     string
		expectPass     string
		expectTLS      TLSConf
		expectHostname string
	}{
		{
			name:           DockerRegistry,
			expectUser:     "hub-user",
			expectPass:     "hub-pass",
			expectTLS:      TLSEnabled,
			expectHostname: DockerRegistryDNS,
		},
		{
			name:           "localhost:5001",
			expectUser:     "hello",
			expectPass:     "docker",
			expectTLS:      TLSEnabled,
			expectHostname: "localhost:5001",
		},
		{
			name:           "insecure.example.com",
			expectUser:     "user",
			expectPass:     "pass",
			expectTLS:      TLSDisabled,
			expectHostname: "insecure.example.com",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ok := hostMap[tt.name]
			if !ok {
				t.Fatalf("host not found: %s", tt.name)
			}
			if h.User != tt.expectUser || h.Pass != tt.expectPass {
				t.Errorf("credential mismatch, expected %s/%s, received %s/%s", tt.expectUser, tt.expectPass, h.User, h.Pass)
			}
			if h.TLS != tt.expectTLS {
				t.Errorf("tls mismatch, expected %d, received %d", tt.expectTLS, h.TLS)
			}
			if h.Hostname != tt.expectHostname {
				t.Errorf("hostname mismatch, expected %s, received %s", tt.expectHostname, h.Hostname)
			}
		})
	}
	if _, ok := hostMap["empty.example.com"]; ok {
		t.Errorf("entry without credentials was loaded")
	}
}
