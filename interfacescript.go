package hypervstate

import (
	"bufio"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kuttiproject/workspace"
)

// driverresult is the envelope written by the interface script.
type driverresult struct {
	Success      bool
	ErrorKind    string
	ErrorMessage string
	Payload      json.RawMessage
}

// scriptrunner runs one interface script command and returns the
// decoded envelope. Implementations differ only in how PowerShell is
// reached.
type scriptrunner interface {
	runwithresults(ctx context.Context, command string, args interface{}) (*driverresult, error)
}

const scriptVersion = "0.1"

//go:embed assets/hypervstate.ps1
var script string

// scriptname carries a digest of the script, so that a cached or
// installed copy is replaced whenever the script changes.
var scriptname = scriptName(script)

func scriptName(content string) string {
	digest := sha256.Sum256([]byte(content))
	return "hypervstate-" + scriptVersion + "-" + hex.EncodeToString(digest[:6]) + ".ps1"
}

// Script returns the text of the interface script.
func Script() string {
	return script
}

func findPowerShell() (string, error) {
	// First, try looking up Windows PowerShell on the path
	toolpath, err := exec.LookPath("powershell.exe")
	if err == nil {
		return toolpath, nil
	}

	// If not, look for cross-platform PowerShell
	toolpath, err = exec.LookPath("pwsh.exe")
	if err == nil {
		return toolpath, nil
	}

	return "", errors.New("PowerShell not found")
}

func scriptDir() (string, error) {
	return workspace.CacheSubDir("hypervstate-scripts")
}

func findScript() (string, error) {
	scriptdir, err := scriptDir()
	if err != nil {
		return "", fmt.Errorf("could not find script: %v", err.Error())
	}

	scriptpath := filepath.Join(scriptdir, scriptname)
	if _, err := os.Stat(scriptpath); err != nil {
		err = writeScript(scriptpath)
		if err != nil {
			return "", err
		}
	}

	return scriptpath, nil
}

func writeScript(scriptpath string) error {
	scriptFile, err := os.Create(scriptpath)
	if err != nil {
		return err
	}

	defer scriptFile.Close()

	_, err = scriptFile.WriteString(script)
	if err != nil {
		return err
	}

	return nil
}

// encodeArguments turns a command's arguments into a single base64
// token, so that quoting rules of the shell in between never apply.
func encodeArguments(args interface{}) (string, error) {
	if args == nil {
		return "", nil
	}

	argbytes, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(argbytes), nil
}

// decodeResult parses the script output. PowerShell may write other
// lines before the envelope, so the last JSON object line is used.
func decodeResult(output string) (*driverresult, error) {
	var envelope string

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "{") {
			envelope = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if envelope == "" {
		return nil, fmt.Errorf("could not find result in script output: %q", output)
	}

	dr := &driverresult{}
	err := json.Unmarshal([]byte(envelope), dr)
	if err != nil {
		return nil, err
	}

	return dr, nil
}

func scriptArguments(scriptpath string, command string, encodedargs string) []string {
	result := []string{
		"-NoProfile",
		"-NonInteractive",
		"-ExecutionPolicy",
		"Bypass",
		"-File",
		scriptpath,
		command,
	}
	if encodedargs != "" {
		result = append(result, encodedargs)
	}

	return result
}

// localrunner runs the interface script with PowerShell on this host.
type localrunner struct {
	powershellpath string
	scriptpath     string
}

func newlocalrunner(powershellpath string) (*localrunner, error) {
	if powershellpath == "" {
		pspath, err := findPowerShell()
		if err != nil {
			return nil, err
		}
		powershellpath = pspath
	}

	scriptpath, err := findScript()
	if err != nil {
		return nil, err
	}

	return &localrunner{
		powershellpath: powershellpath,
		scriptpath:     scriptpath,
	}, nil
}

func (lr *localrunner) runwithresults(ctx context.Context, command string, args interface{}) (*driverresult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encodedargs, err := encodeArguments(args)
	if err != nil {
		return nil, err
	}

	resultstring, err := workspace.RunWithResults(
		lr.powershellpath,
		scriptArguments(lr.scriptpath, command, encodedargs)...,
	)
	if err != nil {
		return nil, err
	}

	return decodeResult(resultstring)
}
