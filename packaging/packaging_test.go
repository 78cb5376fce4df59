package packaging_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// packagingConfig mirrors the shipped configuration template so the test
// fails loudly when the template and the runtime schema drift apart.
type packagingConfig struct {
	DryRun     bool `yaml:"dry_run"`
	Unattended bool `yaml:"unattended"`
	Scope      struct {
		Kind  string   `yaml:"kind"`
		Nodes []string `yaml:"nodes"`
	} `yaml:"scope"`
	Tool struct {
		PartnersCmd  []string `yaml:"partners_cmd"`
		FailuresCmd  []string `yaml:"failures_cmd"`
		SyncCmd      []string `yaml:"sync_cmd"`
		VerifyCmd    []string `yaml:"verify_cmd"`
		ListNodesCmd []string `yaml:"list_nodes_cmd"`
	} `yaml:"tool"`
	Collection struct {
		Concurrency    int `yaml:"concurrency"`
		NodeTimeoutSec int `yaml:"node_timeout_sec"`
	} `yaml:"collection"`
	Classification struct {
		StalenessHours int `yaml:"staleness_hours"`
	} `yaml:"classification"`
	Policy struct {
		Tier string `yaml:"tier"`
	} `yaml:"policy"`
	Verification struct {
		ConvergenceWaitSec int `yaml:"convergence_wait_sec"`
	} `yaml:"verification"`
	Cache struct {
		Path        string `yaml:"path"`
		MaxAgeHours int    `yaml:"max_age_hours"`
	} `yaml:"cache"`
	Audit struct {
		TrailPath      string `yaml:"trail_path"`
		RollbackDBPath string `yaml:"rollback_db_path"`
	} `yaml:"audit"`
	Maintenance struct {
		Allow []string `yaml:"allow"`
		Deny  []string `yaml:"deny"`
	} `yaml:"maintenance"`
	RunIntervalSec int    `yaml:"run_interval_sec"`
	BackoffMinSec  int    `yaml:"backoff_min_sec"`
	BackoffMaxSec  int    `yaml:"backoff_max_sec"`
	KillSwitchFile string `yaml:"kill_switch_file"`
	Metrics        struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`
}

type nfpmFileInfo struct {
	Mode string `yaml:"mode"`
}

type nfpmContent struct {
	Src      string       `yaml:"src"`
	Dst      string       `yaml:"dst"`
	Type     string       `yaml:"type"`
	FileInfo nfpmFileInfo `yaml:"file_info"`
}

type nfpmScripts struct {
	Preinstall  string `yaml:"preinstall"`
	Postinstall string `yaml:"postinstall"`
	Preremove   string `yaml:"preremove"`
	Postremove  string `yaml:"postremove"`
}

type nfpmConfig struct {
	Name        string        `yaml:"name"`
	Arch        string        `yaml:"arch"`
	Platform    string        `yaml:"platform"`
	Version     string        `yaml:"version"`
	Section     string        `yaml:"section"`
	Priority    string        `yaml:"priority"`
	Description string        `yaml:"description"`
	Homepage    string        `yaml:"homepage"`
	Maintainer  string        `yaml:"maintainer"`
	Contents    []nfpmContent `yaml:"contents"`
	Overrides   struct {
		Deb struct {
			Depends    []string    `yaml:"depends"`
			Recommends []string    `yaml:"recommends"`
			Scripts    nfpmScripts `yaml:"scripts"`
		} `yaml:"deb"`
		Rpm struct {
			Depends []string    `yaml:"depends"`
			Scripts nfpmScripts `yaml:"scripts"`
		} `yaml:"rpm"`
	} `yaml:"overrides"`
}

func readPackagingFile(t testing.TB, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Clean(rel))
	if err != nil {
		t.Fatalf("failed to read %s: %v", rel, err)
	}
	return data
}

func decodeYAMLStrict(t testing.TB, data []byte, out any) {
	t.Helper()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		t.Fatalf("failed to decode yaml: %v", err)
	}
	var extra struct{}
	if err := dec.Decode(&extra); err != nil && err != io.EOF {
		t.Fatalf("unexpected additional YAML document: %v", err)
	}
}

func TestConfigTemplateHasSafeDefaults(t *testing.T) {
	data := readPackagingFile(t, "config.yaml")

	var cfg packagingConfig
	decodeYAMLStrict(t, data, &cfg)

	if !cfg.DryRun {
		t.Fatal("expected dry_run to default to true")
	}
	if cfg.Unattended {
		t.Fatal("expected unattended to default to false")
	}
	if cfg.Scope.Kind != "list" {
		t.Fatalf("expected scope.kind list, got %q", cfg.Scope.Kind)
	}
	if len(cfg.Scope.Nodes) != 0 {
		t.Fatalf("expected empty scope.nodes, got %v", cfg.Scope.Nodes)
	}
	for name, cmd := range map[string][]string{
		"partners_cmd":   cfg.Tool.PartnersCmd,
		"failures_cmd":   cfg.Tool.FailuresCmd,
		"sync_cmd":       cfg.Tool.SyncCmd,
		"verify_cmd":     cfg.Tool.VerifyCmd,
		"list_nodes_cmd": cfg.Tool.ListNodesCmd,
	} {
		if len(cmd) != 0 {
			t.Fatalf("expected tool.%s to be empty for operator override, got %v", name, cmd)
		}
	}
	if cfg.Policy.Tier != "conservative" {
		t.Fatalf("expected conservative default tier, got %q", cfg.Policy.Tier)
	}
	if cfg.Collection.Concurrency <= 0 || cfg.Collection.NodeTimeoutSec < 60 {
		t.Fatalf("unexpected collection defaults: %+v", cfg.Collection)
	}
	if cfg.Classification.StalenessHours <= 0 {
		t.Fatalf("expected positive staleness_hours, got %d", cfg.Classification.StalenessHours)
	}
	if cfg.Verification.ConvergenceWaitSec <= 0 {
		t.Fatalf("expected positive convergence_wait_sec, got %d", cfg.Verification.ConvergenceWaitSec)
	}
	if cfg.Cache.Path != "/var/lib/replheald/delta.json" {
		t.Fatalf("unexpected cache.path: %q", cfg.Cache.Path)
	}
	if cfg.Audit.TrailPath != "/var/lib/replheald/audit.log" {
		t.Fatalf("unexpected audit.trail_path: %q", cfg.Audit.TrailPath)
	}
	if cfg.Audit.RollbackDBPath != "/var/lib/replheald/rollback.db" {
		t.Fatalf("unexpected audit.rollback_db_path: %q", cfg.Audit.RollbackDBPath)
	}
	if len(cfg.Maintenance.Allow) != 0 || len(cfg.Maintenance.Deny) != 0 {
		t.Fatalf("expected empty maintenance windows, got allow=%v deny=%v", cfg.Maintenance.Allow, cfg.Maintenance.Deny)
	}
	if cfg.RunIntervalSec <= 0 {
		t.Fatalf("expected positive run_interval_sec, got %d", cfg.RunIntervalSec)
	}
	if cfg.BackoffMinSec <= 0 || cfg.BackoffMaxSec < cfg.BackoffMinSec {
		t.Fatalf("unexpected backoff bounds: min=%d max=%d", cfg.BackoffMinSec, cfg.BackoffMaxSec)
	}
	if cfg.KillSwitchFile != "/etc/replheald/disable" {
		t.Fatalf("unexpected kill_switch_file: %q", cfg.KillSwitchFile)
	}
	if cfg.Metrics.Enabled {
		t.Fatal("expected metrics.enabled to default to false")
	}
	if cfg.Metrics.Listen != "127.0.0.1:9090" {
		t.Fatalf("unexpected metrics.listen default: %q", cfg.Metrics.Listen)
	}
}

func TestSystemdUnitMatchesBlueprint(t *testing.T) {
	content := string(readPackagingFile(t, filepath.Join("systemd", "replheald.service")))

	expectedSnippets := []string{
		"Description=Replication Healer",
		"After=network-online.target",
		"Wants=network-online.target",
		"StartLimitIntervalSec=60",
		"StartLimitBurst=5",
		"ConditionPathExists=!/etc/replheald/disable",
		"ExecStart=/usr/bin/replheald run --config /etc/replheald/config.yaml",
		"Restart=always",
		"RestartSec=5",
		"RuntimeDirectory=replheald",
		"RuntimeDirectoryMode=0750",
		"StateDirectory=replheald",
		"WantedBy=multi-user.target",
	}

	for _, snippet := range expectedSnippets {
		if !strings.Contains(content, snippet) {
			t.Fatalf("expected systemd unit to contain %q", snippet)
		}
	}
}

func TestTmpfilesConfigurationReservesDirectories(t *testing.T) {
	content := string(readPackagingFile(t, filepath.Join("tmpfiles", "replheald.conf")))
	if !strings.Contains(content, "d /run/replheald 0750 root root -") {
		t.Fatalf("expected tmpfiles configuration to create /run/replheald, got: %s", content)
	}
	if !strings.Contains(content, "d /var/lib/replheald 0750 root root -") {
		t.Fatalf("expected tmpfiles configuration to create /var/lib/replheald, got: %s", content)
	}
}

func TestMaintainerScriptsAreDefensive(t *testing.T) {
	scripts := []string{
		filepath.Join("scripts", "deb", "preinst"),
		filepath.Join("scripts", "deb", "postinst"),
		filepath.Join("scripts", "deb", "prerm"),
		filepath.Join("scripts", "deb", "postrm"),
		filepath.Join("scripts", "rpm", "preinstall.sh"),
		filepath.Join("scripts", "rpm", "postinstall.sh"),
		filepath.Join("scripts", "rpm", "preremove.sh"),
		filepath.Join("scripts", "rpm", "postremove.sh"),
	}

	systemdGuarded := map[string]bool{
		filepath.Join("scripts", "deb", "postinst"):       true,
		filepath.Join("scripts", "deb", "prerm"):          true,
		filepath.Join("scripts", "deb", "postrm"):         true,
		filepath.Join("scripts", "rpm", "postinstall.sh"): true,
		filepath.Join("scripts", "rpm", "preremove.sh"):   true,
		filepath.Join("scripts", "rpm", "postremove.sh"):  true,
	}

	for _, script := range scripts {
		data := string(readPackagingFile(t, script))
		if !strings.Contains(data, "set -eu") {
			t.Fatalf("expected %s to enable strict shell flags", script)
		}
		if systemdGuarded[script] && !strings.Contains(data, "systemd_active") {
			t.Fatalf("expected %s to guard systemctl invocations with systemd_active()", script)
		}
	}

	for _, postScript := range []string{
		filepath.Join("scripts", "deb", "postinst"),
		filepath.Join("scripts", "rpm", "postinstall.sh"),
	} {
		data := string(readPackagingFile(t, postScript))
		if !strings.Contains(data, "systemd-tmpfiles --create") {
			t.Fatalf("expected %s to apply tmpfiles configuration", postScript)
		}
		if !strings.Contains(data, "replheald validate-config") {
			t.Fatalf("expected %s to instruct operators to validate the configuration", postScript)
		}
	}
}

func TestNFPMConfigurationMatchesBlueprint(t *testing.T) {
	data := readPackagingFile(t, "nfpm.yaml")

	var cfg nfpmConfig
	decodeYAMLStrict(t, data, &cfg)

	if cfg.Name != "replheald" {
		t.Fatalf("unexpected package name %q", cfg.Name)
	}
	if cfg.Arch != "${ARCH}" {
		t.Fatalf("expected arch placeholder to be ${ARCH}, got %q", cfg.Arch)
	}
	if cfg.Platform != "linux" {
		t.Fatalf("unexpected platform %q", cfg.Platform)
	}
	if !strings.Contains(cfg.Description, "Replication healer") {
		t.Fatal("expected package description to mention the replication healer")
	}

	contentByDest := make(map[string]nfpmContent, len(cfg.Contents))
	for _, entry := range cfg.Contents {
		contentByDest[entry.Dst] = entry
	}

	binary := contentByDest["/usr/bin/replheald"]
	if binary.Src != "./dist/replheald" {
		t.Fatalf("unexpected binary source %q", binary.Src)
	}
	if binary.FileInfo.Mode != "0755" {
		t.Fatalf("expected binary mode 0755, got %q", binary.FileInfo.Mode)
	}

	configEntry := contentByDest["/etc/replheald/config.yaml"]
	if configEntry.Src != "./packaging/config.yaml" {
		t.Fatalf("unexpected config source %q", configEntry.Src)
	}
	if configEntry.Type != "config" {
		t.Fatalf("expected config.yaml to be marked as a config file, got type %q", configEntry.Type)
	}
	if configEntry.FileInfo.Mode != "0640" {
		t.Fatalf("expected config file mode 0640, got %q", configEntry.FileInfo.Mode)
	}

	if _, ok := contentByDest["/lib/systemd/system/replheald.service"]; !ok {
		t.Fatal("expected systemd unit to be packaged")
	}
	if entry := contentByDest["/usr/lib/tmpfiles.d/replheald.conf"]; entry.Src != "./packaging/tmpfiles/replheald.conf" {
		t.Fatalf("unexpected tmpfiles source %q", entry.Src)
	}

	if !contains(cfg.Overrides.Deb.Depends, "systemd") {
		t.Fatal("expected Debian package to depend on systemd")
	}
	if !contains(cfg.Overrides.Deb.Recommends, "ca-certificates") {
		t.Fatal("expected Debian package to recommend ca-certificates")
	}
	debScripts := cfg.Overrides.Deb.Scripts
	if debScripts.Preinstall != "./packaging/scripts/deb/preinst" ||
		debScripts.Postinstall != "./packaging/scripts/deb/postinst" ||
		debScripts.Preremove != "./packaging/scripts/deb/prerm" ||
		debScripts.Postremove != "./packaging/scripts/deb/postrm" {
		t.Fatalf("unexpected Debian maintainer scripts: %+v", debScripts)
	}

	if !contains(cfg.Overrides.Rpm.Depends, "systemd") {
		t.Fatal("expected RPM package to depend on systemd")
	}
	rpmScripts := cfg.Overrides.Rpm.Scripts
	if rpmScripts.Preinstall != "./packaging/scripts/rpm/preinstall.sh" ||
		rpmScripts.Postinstall != "./packaging/scripts/rpm/postinstall.sh" ||
		rpmScripts.Preremove != "./packaging/scripts/rpm/preremove.sh" ||
		rpmScripts.Postremove != "./packaging/scripts/rpm/postremove.sh" {
		t.Fatalf("unexpected RPM maintainer scripts: %+v", rpmScripts)
	}
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
