package cmd_test

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/spf13/cobra"

	"github.com/stratumdb/stratum/cmd"
)

// tExec executes the given cmd, which will be writing its output to w, and
// can be read from out. It will fail the test if the command does not return
// within 5 seconds. Useful for testing help messages and such.
func tExec(t *testing.T, c *cobra.Command, out io.Reader, w io.WriteCloser) (output []byte, execErr error) {
	t.Helper()
	done := make(chan struct{})
	var readErr error
	go func() {
		output, readErr = io.ReadAll(out)
		close(done)
	}()
	execErr = c.Execute()
	if err := w.Close(); err != nil {
		t.Fatalf("closing cmd's stdout: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("test failed due to command execution timeout")
	}
	if readErr != nil {
		t.Fatalf("reading command output: %v", readErr)
	}
	return output, execErr
}

// ExecNewRootCommand executes the stratum root command with the given
// arguments and returns its output.
func ExecNewRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, w := io.Pipe()
	rc := cmd.NewRootCommand(os.Stdin, w, w)
	rc.SetArgs(args)
	output, err := tExec(t, rc, out, w)
	return string(output), err
}

// validator collects the first mismatch among a series of checks.
type validator struct {
	err error
}

func (v *validator) Check(actual, expected interface{}) {
	if v.err != nil {
		return
	}
	if diff := deep.Equal(actual, expected); diff != nil {
		v.err = fmt.Errorf("got %v, expected %v (%v)", actual, expected, diff)
	}
}

func (v *validator) Error() error { return v.err }

// commandTest exercises flag, environment, and config-file layering: the
// command runs with --dry-run so parsing happens but nothing executes, then
// validation inspects the resulting config.
type commandTest struct {
	args           []string
	env            map[string]string
	cfgFileContent string
	validation     func() error
}

func executeDry(t *testing.T, tests []commandTest) {
	t.Helper()
	for i, test := range tests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			cfgFile := filepath.Join(t.TempDir(), "stratum.toml")
			if err := os.WriteFile(cfgFile, []byte(test.cfgFileContent), 0600); err != nil {
				t.Fatalf("writing config file: %v", err)
			}
			for k, val := range test.env {
				t.Setenv(k, val)
			}

			args := append([]string{}, test.args...)
			args = append(args, "--dry-run", "--config", cfgFile)

			rc := cmd.NewRootCommand(strings.NewReader(""), io.Discard, io.Discard)
			rc.SetArgs(args)
			err := rc.Execute()
			if err == nil || !strings.Contains(err.Error(), "dry run") {
				t.Fatalf("expected dry run error, got: %v", err)
			}

			if err := test.validation(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestRootCommand(t *testing.T) {
	outStr, err := ExecNewRootCommand(t, "--help")
	if !strings.Contains(outStr, "Usage:") ||
		!strings.Contains(outStr, "Available Commands:") ||
		!strings.Contains(outStr, "--help") || err != nil {
		t.Fatalf("expected standard usage message from root command, err: '%v', output: '%s'", err, outStr)
	}
	for _, sub := range []string{"clean", "config", "log", "recover"} {
		if !strings.Contains(outStr, sub) {
			t.Errorf("missing subcommand %q in usage: %s", sub, outStr)
		}
	}
}

func TestCleanHelp(t *testing.T) {
	output, err := ExecNewRootCommand(t, "clean", "--help")
	if !strings.Contains(output, "Usage:") ||
		!strings.Contains(output, "Flags:") ||
		!strings.Contains(output, "--daemon") || err != nil {
		t.Fatalf("command 'clean --help' not working, err: '%v', output: '%s'", err, output)
	}
}

func TestCleanConfig(t *testing.T) {
	tests := []commandTest{
		// Flags beat env beats config file.
		{
			args: []string{"clean", "--data-dir", "/tmp/flagdir", "--cleaner.concurrency", "4"},
			env: map[string]string{
				"STRATUM_DATA_DIR":         "/tmp/envdir",
				"STRATUM_CLEANER_INTERVAL": "1m30s",
				"STRATUM_CHUNK_STORE_TYPE": "s3",
			},
			cfgFileContent: `
data-dir = "/tmp/filedir"
bind-debug = "localhost:0"

[cleaner]
interval = "10m"
metadata-retention = "48h"

[chunk-store]
type = "file"

[chunk-store.s3]
bucket = "stratum-test"
`,
			validation: func() error {
				v := validator{}
				v.Check(cmd.Cleaner.Config.DataDir, "/tmp/flagdir")
				v.Check(cmd.Cleaner.Config.Cleaner.Concurrency, 4)
				v.Check(time.Duration(cmd.Cleaner.Config.Cleaner.Interval), 90*time.Second)
				v.Check(cmd.Cleaner.Config.ChunkStore.Type, "s3")
				v.Check(cmd.Cleaner.Config.BindDebug, "localhost:0")
				v.Check(time.Duration(cmd.Cleaner.Config.Cleaner.MetadataRetention), 48*time.Hour)
				v.Check(cmd.Cleaner.Config.ChunkStore.S3.Bucket, "stratum-test")
				return v.Error()
			},
		},
		// Defaults hold when nothing overrides them.
		{
			args: []string{"clean", "--daemon"},
			env:  map[string]string{},
			cfgFileContent: `
[cleaner]
chunk-grace-period = "1h"
`,
			validation: func() error {
				v := validator{}
				v.Check(cmd.Cleaner.Daemon, true)
				v.Check(cmd.Cleaner.Config.DataDir, "~/.stratum")
				v.Check(time.Duration(cmd.Cleaner.Config.Cleaner.ChunkGracePeriod), time.Hour)
				v.Check(cmd.Cleaner.Config.Cleaner.Concurrency, 8)
				v.Check(cmd.Cleaner.Config.ChunkStore.Type, "file")
				return v.Error()
			},
		},
	}
	executeDry(t, tests)
}

func TestRecoverConfig(t *testing.T) {
	tests := []commandTest{
		{
			args: []string{"recover", "--metadata-path", "/tmp/meta.db"},
			env:  map[string]string{"STRATUM_VERBOSE": "true"},
			cfgFileContent: `
data-dir = "/var/lib/stratum"
`,
			validation: func() error {
				v := validator{}
				v.Check(cmd.Recoverer.Config.MetadataPath, "/tmp/meta.db")
				v.Check(cmd.Recoverer.Config.Verbose, true)
				v.Check(cmd.Recoverer.Config.DataDir, "/var/lib/stratum")
				return v.Error()
			},
		},
	}
	executeDry(t, tests)
}

func TestLogConfig(t *testing.T) {
	tests := []commandTest{
		{
			args:           []string{"log", "-n", "5"},
			env:            map[string]string{},
			cfgFileContent: ``,
			validation: func() error {
				v := validator{}
				v.Check(cmd.Logger.Limit, 5)
				return v.Error()
			},
		},
	}
	executeDry(t, tests)
}

func TestConfigCommand(t *testing.T) {
	output, err := ExecNewRootCommand(t, "config", "--data-dir", "/tmp/elsewhere")
	if err != nil {
		t.Fatalf("running config command: %v", err)
	}
	if !strings.Contains(output, `data-dir = "/tmp/elsewhere"`) {
		t.Fatalf("expected overridden data-dir in output, got: %s", output)
	}
	if !strings.Contains(output, "[cleaner]") {
		t.Fatalf("expected cleaner section in output, got: %s", output)
	}
}

func TestInvalidConfigFileKey(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "stratum.toml")
	if err := os.WriteFile(cfgFile, []byte("no-such-option = true\n"), 0600); err != nil {
		t.Fatal(err)
	}

	rc := cmd.NewRootCommand(strings.NewReader(""), io.Discard, io.Discard)
	rc.SetArgs([]string{"clean", "--dry-run", "--config", cfgFile})
	err := rc.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid option in configuration file") {
		t.Fatalf("expected invalid option error, got: %v", err)
	}
}
