package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearSynapEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		key, _, found := strings.Cut(e, "=")
		if found && strings.HasPrefix(key, "SYNAP_") {
			os.Unsetenv(key)
		}
	}
}

func TestValidateRejectsUnknownFsyncMode(t *testing.T) {
	cfg := &Config{FsyncMode: "bogus", ReplicationRole: RoleStandalone, KVNumShards: 1}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownReplicationRole(t *testing.T) {
	cfg := &Config{FsyncMode: FsyncPeriodic, ReplicationRole: "bogus", KVNumShards: 1}
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresMasterAddrForReplica(t *testing.T) {
	cfg := &Config{FsyncMode: FsyncPeriodic, ReplicationRole: RoleReplica, KVNumShards: 1}
	require.Error(t, cfg.Validate())

	cfg.ReplicationMasterAddr = "127.0.0.1:15501"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveShardCount(t *testing.T) {
	cfg := &Config{FsyncMode: FsyncPeriodic, ReplicationRole: RoleStandalone, KVNumShards: 0}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsKafkaBridgeWithoutBrokers(t *testing.T) {
	cfg := &Config{
		FsyncMode: FsyncPeriodic, ReplicationRole: RoleStandalone, KVNumShards: 1,
		BridgeKafkaEnabled: true,
	}
	require.Error(t, cfg.Validate())
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearSynapEnv(t)
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 64, cfg.KVNumShards)
	require.Equal(t, FsyncPeriodic, cfg.FsyncMode)
	require.Equal(t, RoleStandalone, cfg.ReplicationRole)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	clearSynapEnv(t)
	os.Setenv("SYNAP_KV_NUM_SHARDS", "16")
	defer os.Unsetenv("SYNAP_KV_NUM_SHARDS")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.KVNumShards)
}
