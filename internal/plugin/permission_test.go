package plugin

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParsePermission(t *testing.T) {
	tests := []struct {
		in   string
		want Permission
	}{
		{"network", PermissionNetwork},
		{"NETWORK", PermissionNetwork},
		{"READER_CONTEXT", PermissionReaderContext},
		{"reader-context", PermissionReaderContext},
		{" storage ", PermissionStorage},
	}
	for _, tt := range tests {
		got, err := ParsePermission(tt.in)
		if err != nil {
			t.Errorf("ParsePermission(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePermission(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := ParsePermission("telepathy"); !errors.Is(err, ErrUnknownPermission) {
		t.Errorf("ParsePermission(telepathy) error = %v, want ErrUnknownPermission", err)
	}
}

func TestPermissionTables(t *testing.T) {
	all := AllPermissions()
	if len(all) != 16 {
		t.Fatalf("AllPermissions() len = %d, want 16", len(all))
	}

	for _, p := range all {
		if p.Description() == "" {
			t.Errorf("%s has no description", p)
		}
		if p.DisplayName() == "" {
			t.Errorf("%s has no display name", p)
		}
		// Every high risk permission requires approval.
		if p.RiskLevel() == RiskHigh && !p.IsSensitive() {
			t.Errorf("%s is high risk but not sensitive", p)
		}
	}

	if !PermissionNetwork.IsSensitive() {
		t.Error("network should be sensitive")
	}
	if PermissionNotifications.IsSensitive() {
		t.Error("notifications should not be sensitive")
	}
	if PermissionStorage.RiskLevel() != RiskMedium {
		t.Errorf("storage risk = %v, want medium", PermissionStorage.RiskLevel())
	}
	if !Permission("bogus").IsSensitive() {
		t.Error("unknown permissions must be treated as sensitive")
	}
}

func TestPermissionRiskTable(t *testing.T) {
	tests := []struct {
		perm      Permission
		risk      RiskLevel
		sensitive bool
	}{
		{PermissionNetwork, RiskHigh, true},
		{PermissionStorage, RiskMedium, false},
		{PermissionReaderContext, RiskLow, false},
		{PermissionLibraryAccess, RiskMedium, true},
		{PermissionPreferences, RiskLow, false},
		{PermissionNotifications, RiskLow, false},
		{PermissionCatalogWrite, RiskHigh, true},
		{PermissionSyncData, RiskHigh, true},
		{PermissionBackgroundService, RiskMedium, true},
		{PermissionLocalServer, RiskHigh, true},
		{PermissionImageProcessing, RiskLow, false},
		{PermissionUIInjection, RiskMedium, true},
		{PermissionGlossaryAccess, RiskLow, false},
		{PermissionCharacterDatabase, RiskLow, false},
		{PermissionAudioPlayback, RiskLow, false},
		{PermissionExternalEndpointAccess, RiskHigh, true},
	}
	if len(tests) != len(AllPermissions()) {
		t.Fatalf("table covers %d permissions, want %d", len(tests), len(AllPermissions()))
	}
	for _, tt := range tests {
		if got := tt.perm.RiskLevel(); got != tt.risk {
			t.Errorf("%s.RiskLevel() = %v, want %v", tt.perm, got, tt.risk)
		}
		if got := tt.perm.IsSensitive(); got != tt.sensitive {
			t.Errorf("%s.IsSensitive() = %v, want %v", tt.perm, got, tt.sensitive)
		}
	}
}

func TestPermissionUnmarshalJSON(t *testing.T) {
	var perms []Permission
	if err := json.Unmarshal([]byte(`["NETWORK","Image_Processing","made_up"]`), &perms); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	want := []Permission{PermissionNetwork, PermissionImageProcessing, "made_up"}
	for i := range want {
		if perms[i] != want[i] {
			t.Errorf("perms[%d] = %q, want %q", i, perms[i], want[i])
		}
	}
}
