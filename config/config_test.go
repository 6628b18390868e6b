package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SELF_ID", "SELF_ADDR", "STORAGE_PORT", "SSL_STORAGE_PORT",
		"LISTEN_ADDRESS", "BROADCAST_ADDRESS", "RPC_TIMEOUT_MS",
		"REPLICATION_FACTOR", "INTERNODE_ENCRYPTION", "ETCD_ENDPOINTS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoragePort != defaultStoragePort {
		t.Fatalf("StoragePort = %d, want %d", cfg.StoragePort, defaultStoragePort)
	}
	if cfg.ReplicationFactor != defaultReplicationFactor {
		t.Fatalf("ReplicationFactor = %d, want %d", cfg.ReplicationFactor, defaultReplicationFactor)
	}
	if cfg.RPCTimeout != defaultRPCTimeout {
		t.Fatalf("RPCTimeout = %v, want %v", cfg.RPCTimeout, defaultRPCTimeout)
	}
	if cfg.Encryption != EncryptionNone {
		t.Fatalf("Encryption = %q, want %q", cfg.Encryption, EncryptionNone)
	}
	if cfg.Authenticator == nil {
		t.Fatalf("Authenticator must never be nil")
	}
	if cfg.SelfAddr == "" {
		t.Fatalf("SelfAddr must default to a usable bind address")
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SELF_ID", "node-a")
	t.Setenv("SELF_ADDR", "10.0.0.1:9100")
	t.Setenv("STORAGE_PORT", "9100")
	t.Setenv("REPLICATION_FACTOR", "3")
	t.Setenv("RPC_TIMEOUT_MS", "5000")
	t.Setenv("INTERNODE_ENCRYPTION", "dc")
	t.Setenv("ETCD_ENDPOINTS", "http://etcd-1:2379,http://etcd-2:2379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SelfID != "node-a" {
		t.Fatalf("SelfID = %q, want node-a", cfg.SelfID)
	}
	if cfg.StoragePort != 9100 {
		t.Fatalf("StoragePort = %d, want 9100", cfg.StoragePort)
	}
	if cfg.ReplicationFactor != 3 {
		t.Fatalf("ReplicationFactor = %d, want 3", cfg.ReplicationFactor)
	}
	if cfg.RPCTimeout != 5*time.Second {
		t.Fatalf("RPCTimeout = %v, want 5s", cfg.RPCTimeout)
	}
	if cfg.Encryption != EncryptionDC {
		t.Fatalf("Encryption = %q, want dc", cfg.Encryption)
	}
	if len(cfg.EtcdEndpoints) != 2 || cfg.EtcdEndpoints[0] != "http://etcd-1:2379" {
		t.Fatalf("EtcdEndpoints = %v, want two split endpoints", cfg.EtcdEndpoints)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for malformed STORAGE_PORT")
	}

	clearEnv(t)
	t.Setenv("INTERNODE_ENCRYPTION", "quantum")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown encryption mode")
	}
}
