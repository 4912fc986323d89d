package domain

import (
	"testing"
	"time"
)

func TestIngestionSourceValidate(t *testing.T) {
	testCases := []struct {
		name    string
		src     IngestionSource
		wantErr bool
	}{
		{"local ok", IngestionSource{Kind: SourceKindLocal, Directories: StringArray{"/in"}}, false},
		{"local without dirs", IngestionSource{Kind: SourceKindLocal}, true},
		{"local with folder", IngestionSource{Kind: SourceKindLocal, Directories: StringArray{"/in"}, DriveFolderID: "f"}, true},
		{"drive ok", IngestionSource{Kind: SourceKindCloudDrive, DriveFolderID: "f"}, false},
		{"drive with dirs", IngestionSource{Kind: SourceKindCloudDrive, DriveFolderID: "f", Directories: StringArray{"/in"}}, true},
		{"push ok", IngestionSource{Kind: SourceKindAgentPush}, false},
		{"push with folder", IngestionSource{Kind: SourceKindAgentPush, DriveFolderID: "f"}, true},
		{"unknown kind", IngestionSource{Kind: "ftp"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.src.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestIngestionSourceDue(t *testing.T) {
	now := time.Now()
	recent := now.Add(-10 * time.Second)
	old := now.Add(-time.Hour)

	testCases := []struct {
		name string
		src  IngestionSource
		want bool
	}{
		{"disabled", IngestionSource{Kind: SourceKindLocal, Enabled: false}, false},
		{"never scanned", IngestionSource{Kind: SourceKindLocal, Enabled: true, PollIntervalSeconds: 60}, true},
		{"not due", IngestionSource{Kind: SourceKindLocal, Enabled: true, PollIntervalSeconds: 60, LastScanAt: &recent}, false},
		{"due", IngestionSource{Kind: SourceKindCloudDrive, Enabled: true, PollIntervalSeconds: 60, LastScanAt: &old}, true},
		{"push never scans", IngestionSource{Kind: SourceKindAgentPush, Enabled: true}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.src.Due(now); got != tc.want {
				t.Errorf("Due() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTemplateSpecRoundTrip(t *testing.T) {
	spec := TemplateSpec{FilenamePattern: "*.csv", RequiredColumns: []string{"partner"}}
	v, err := spec.Value()
	if err != nil {
		t.Fatal(err)
	}
	var got TemplateSpec
	if err := got.Scan(v); err != nil {
		t.Fatal(err)
	}
	if got.FilenamePattern != "*.csv" || len(got.RequiredColumns) != 1 {
		t.Errorf("unexpected template %+v", got)
	}

	src := IngestionSource{Template: &got}
	if r := src.Rule(); r == nil || r.RequiredColumns[0] != "partner" {
		t.Errorf("Rule() = %+v", r)
	}
	if (&IngestionSource{}).Rule() != nil {
		t.Error("Rule() without template should be nil")
	}
}
