package main

import (
	"flag"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name    string
		eval    bool
		load    string
		dataDir string
		fake    bool
		wantErr string
	}{
		{name: "train with data", dataDir: "/data"},
		{name: "fake without data", fake: true},
		{name: "eval with load and data", eval: true, load: "train_log/r50", dataDir: "/data"},
		{name: "eval without load", eval: true, dataDir: "/data", wantErr: "--eval requires --load"},
		{name: "eval without data", eval: true, load: "train_log/r50", wantErr: "--eval requires --data"},
		{name: "load without eval", load: "train_log/r50", dataDir: "/data", wantErr: "--load is only used with --eval"},
		{name: "train without data or fake", wantErr: "--data is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateFlags(tc.eval, tc.load, tc.dataDir, tc.fake)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestRedirectChiefLogs(t *testing.T) {
	klog.InitFlags(nil)
	dir := filepath.Join(t.TempDir(), "run")

	require.NoError(t, redirectChiefLogs(dir))

	assert.DirExists(t, dir)
	assert.Equal(t, dir, flag.Lookup("log_dir").Value.String())
	assert.Equal(t, "false", flag.Lookup("logtostderr").Value.String())
	assert.Equal(t, "true", flag.Lookup("alsologtostderr").Value.String())
}
