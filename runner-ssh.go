package hypervstate

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/kuttiproject/kuttilog"
	"github.com/kuttiproject/sshclient"
)

// DefaultRemoteScriptDir is where the interface script is installed on
// a remote Hyper-V host.
const DefaultRemoteScriptDir = `C:\ProgramData\hypervstate`

// uploadChunkSize keeps each upload command well under the 8191
// character limit of cmd.exe, the default shell of Windows OpenSSH.
const uploadChunkSize = 4096

type sshcommander interface {
	RunWithResults(address string, command string) (string, error)
}

// sshrunner runs the interface script on a remote Windows host through
// its OpenSSH server.
type sshrunner struct {
	client         sshcommander
	address        string
	powershellpath string
	scriptdir      string
	installed      bool
}

func newsshrunner(address string, username string, password string, powershellpath string, scriptdir string) *sshrunner {
	if powershellpath == "" {
		powershellpath = "powershell.exe"
	}
	if scriptdir == "" {
		scriptdir = DefaultRemoteScriptDir
	}

	return &sshrunner{
		client:         sshclient.NewWithPassword(username, password),
		address:        address,
		powershellpath: powershellpath,
		scriptdir:      strings.TrimRight(scriptdir, `\`),
	}
}

func (sr *sshrunner) scriptpath() string {
	return sr.scriptdir + `\` + scriptname
}

func psquote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func (sr *sshrunner) powershellcommand(commandtext string) string {
	return fmt.Sprintf(
		`%s -NoProfile -NonInteractive -Command "%s"`,
		sr.powershellpath,
		commandtext,
	)
}

func (sr *sshrunner) ensurescript() error {
	if sr.installed {
		return nil
	}

	scriptpath := sr.scriptpath()
	output, err := sr.client.RunWithResults(
		sr.address,
		sr.powershellcommand("Test-Path -LiteralPath "+psquote(scriptpath)),
	)
	if err != nil {
		return fmt.Errorf("could not check interface script on %s: %v", sr.address, err)
	}

	if strings.TrimSpace(output) == "True" {
		sr.installed = true
		return nil
	}

	kuttilog.Printf(kuttilog.Info, "Installing interface script on %s...", sr.address)

	for _, command := range uploadCommands(sr.scriptdir, scriptpath, script) {
		_, err = sr.client.RunWithResults(sr.address, sr.powershellcommand(command))
		if err != nil {
			return fmt.Errorf("could not install interface script on %s: %v", sr.address, err)
		}
	}

	sr.installed = true
	return nil
}

// uploadCommands returns the PowerShell commands that recreate content
// at scriptpath: base64 chunks are appended to a staging file, which is
// then decoded in place.
func uploadCommands(scriptdir string, scriptpath string, content string) []string {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	stagingpath := scriptpath + ".b64"

	commands := []string{
		fmt.Sprintf(
			"New-Item -ItemType Directory -Force -Path %s | Out-Null; Set-Content -NoNewline -LiteralPath %s -Value ''",
			psquote(scriptdir),
			psquote(stagingpath),
		),
	}

	for start := 0; start < len(encoded); start += uploadChunkSize {
		end := min(start+uploadChunkSize, len(encoded))
		commands = append(commands, fmt.Sprintf(
			"Add-Content -NoNewline -LiteralPath %s -Value '%s'",
			psquote(stagingpath),
			encoded[start:end],
		))
	}

	commands = append(commands, fmt.Sprintf(
		"[IO.File]::WriteAllBytes(%s, [Convert]::FromBase64String((Get-Content -Raw -LiteralPath %s))); Remove-Item -LiteralPath %s",
		psquote(scriptpath),
		psquote(stagingpath),
		psquote(stagingpath),
	))

	return commands
}

func (sr *sshrunner) runwithresults(ctx context.Context, command string, args interface{}) (*driverresult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := sr.ensurescript(); err != nil {
		return nil, err
	}

	encodedargs, err := encodeArguments(args)
	if err != nil {
		return nil, err
	}

	commandline := sr.powershellpath + ` -NoProfile -NonInteractive -ExecutionPolicy Bypass -File "` +
		sr.scriptpath() + `" ` + command
	if encodedargs != "" {
		commandline += " " + encodedargs
	}

	resultstring, err := sr.client.RunWithResults(sr.address, commandline)
	if err != nil {
		return nil, err
	}

	return decodeResult(resultstring)
}
