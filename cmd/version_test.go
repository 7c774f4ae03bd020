package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/Rovis91/bot-project/avabot"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := avabot.Version
	originalCommitSHA := avabot.CommitSHA
	originalBuildTime := avabot.BuildTime

	t.Cleanup(
		func() {
			avabot.Version = originalVersion
			avabot.CommitSHA = originalCommitSHA
			avabot.BuildTime = originalBuildTime
		},
	)

	avabot.Version = "1.0.0"
	avabot.CommitSHA = "abc123"
	avabot.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		avabot.Version,
		avabot.CommitSHA,
		avabot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
