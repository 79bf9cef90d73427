package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/neboloop/signon/internal/apperr"
)

// BrowserKind identifies the type of Chromium-based browser.
type BrowserKind string

const (
	BrowserChrome   BrowserKind = "chrome"
	BrowserBrave    BrowserKind = "brave"
	BrowserEdge     BrowserKind = "edge"
	BrowserChromium BrowserKind = "chromium"
	BrowserCustom   BrowserKind = "custom"
)

// BrowserExecutable represents a found browser binary.
type BrowserExecutable struct {
	Kind BrowserKind
	Path string
}

// FindChromeExecutable finds a Chrome/Chromium browser on the system.
func FindChromeExecutable(customPath string) (*BrowserExecutable, error) {
	if customPath != "" {
		if !fileExists(customPath) {
			return nil, fmt.Errorf("browser executable not found: %s", customPath)
		}
		return &BrowserExecutable{Kind: BrowserCustom, Path: customPath}, nil
	}

	var exe *BrowserExecutable
	switch runtime.GOOS {
	case "darwin":
		exe = findChromeMac()
	case "linux":
		exe = findChromeLinux()
	case "windows":
		exe = findChromeWindows()
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	if exe == nil {
		return nil, fmt.Errorf("no supported browser found (Chrome/Brave/Edge/Chromium)")
	}
	return exe, nil
}

// IsChromeReachable checks if Chrome CDP is responding.
func IsChromeReachable(cdpURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	versionURL := strings.TrimSuffix(cdpURL, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// GetChromeWebSocketURL gets the CDP WebSocket URL from a running Chrome.
func GetChromeWebSocketURL(cdpURL string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	versionURL := strings.TrimSuffix(cdpURL, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", err
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("no webSocketDebuggerUrl in response")
	}
	return version.WebSocketDebuggerURL, nil
}

// LauncherConfig controls how profile browsers are started.
type LauncherConfig struct {
	ExecutablePath string
	Headless       bool
	NoSandbox      bool
	LaunchTimeout  time.Duration
	StopTimeout    time.Duration
}

// ChromeLauncher runs one Chrome process per slot, each in its own process
// group with a dedicated --remote-debugging-port and user data dir.
type ChromeLauncher struct {
	cfg LauncherConfig

	once sync.Once
	exe  *BrowserExecutable
	err  error
}

func NewChromeLauncher(cfg LauncherConfig) *ChromeLauncher {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 15 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &ChromeLauncher{cfg: cfg}
}

func (l *ChromeLauncher) executable() (*BrowserExecutable, error) {
	l.once.Do(func() {
		l.exe, l.err = FindChromeExecutable(l.cfg.ExecutablePath)
	})
	return l.exe, l.err
}

// Launch wipes the slot's user data dir and starts a fresh browser on it.
func (l *ChromeLauncher) Launch(ctx context.Context, slot Slot) (*Instance, error) {
	exe, err := l.executable()
	if err != nil {
		return nil, apperr.Driver(apperr.ReasonDriver, err)
	}

	if err := os.RemoveAll(slot.DataDir); err != nil {
		return nil, apperr.Driver(apperr.ReasonDriver, fmt.Errorf("reset user data dir: %w", err))
	}
	if err := os.MkdirAll(slot.DataDir, 0o700); err != nil {
		return nil, apperr.Driver(apperr.ReasonDriver, fmt.Errorf("create user data dir: %w", err))
	}

	cmd := exec.Command(exe.Path, buildChromeArgs(slot.DataDir, slot.ControlPort, l.cfg)...)
	cmd.Env = append(os.Environ(), "HOME="+os.Getenv("HOME"))
	setChromeProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, apperr.Driver(apperr.ReasonDriver, fmt.Errorf("start chrome: %w", err))
	}

	inst := &Instance{
		Slot:      slot,
		PID:       cmd.Process.Pid,
		CDPURL:    fmt.Sprintf("http://127.0.0.1:%d", slot.ControlPort),
		StartedAt: time.Now(),
		cmd:       cmd,
		exited:    make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(inst.exited)
	}()

	deadline := time.NewTimer(l.cfg.LaunchTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for {
		if IsChromeReachable(inst.CDPURL, 500*time.Millisecond) {
			return inst, nil
		}
		select {
		case <-tick.C:
		case <-inst.exited:
			return nil, apperr.Driver(apperr.ReasonDriver,
				fmt.Errorf("chrome exited before CDP came up on port %d", slot.ControlPort))
		case <-deadline.C:
			l.kill(inst)
			return nil, apperr.Driver(apperr.ReasonDriver,
				fmt.Errorf("chrome CDP did not start on port %d within %s", slot.ControlPort, l.cfg.LaunchTimeout))
		case <-ctx.Done():
			l.kill(inst)
			return nil, ctx.Err()
		}
	}
}

// Stop terminates the process group, escalating to SIGKILL after StopTimeout.
func (l *ChromeLauncher) Stop(inst *Instance) error {
	if inst == nil || inst.cmd == nil || inst.cmd.Process == nil {
		return nil
	}
	killChromeProcessGroup(inst.cmd, false)
	select {
	case <-inst.exited:
		return nil
	case <-time.After(l.cfg.StopTimeout):
		l.kill(inst)
		return nil
	}
}

func (l *ChromeLauncher) kill(inst *Instance) {
	killChromeProcessGroup(inst.cmd, true)
	<-inst.exited
}

// Alive reports whether the process is running and CDP answers.
func (l *ChromeLauncher) Alive(inst *Instance) bool {
	if inst == nil || inst.exited == nil {
		return false
	}
	select {
	case <-inst.exited:
		return false
	default:
	}
	return IsChromeReachable(inst.CDPURL, time.Second)
}

func buildChromeArgs(userDataDir string, cdpPort int, cfg LauncherConfig) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", cdpPort),
		"--remote-debugging-address=127.0.0.1",
		fmt.Sprintf("--user-data-dir=%s", userDataDir),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-sync",
		"--disable-background-networking",
		"--disable-component-update",
		"--disable-features=Translate,MediaRouter",
		"--disable-session-crashed-bubble",
		"--hide-crash-restore-bubble",
		"--password-store=basic",
		"--incognito",
	}

	if cfg.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	if cfg.NoSandbox {
		args = append(args, "--no-sandbox", "--disable-setuid-sandbox")
	}
	if runtime.GOOS == "linux" {
		args = append(args, "--disable-dev-shm-usage")
	}

	// Always open a blank tab to ensure a target exists
	return append(args, "about:blank")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type candidate struct {
	kind BrowserKind
	path string
}

func firstExisting(candidates []candidate) *BrowserExecutable {
	for _, c := range candidates {
		if fileExists(c.path) {
			return &BrowserExecutable{Kind: c.kind, Path: c.path}
		}
	}
	return nil
}

func findChromeMac() *BrowserExecutable {
	home := os.Getenv("HOME")
	return firstExisting([]candidate{
		{BrowserChrome, "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
		{BrowserChrome, filepath.Join(home, "Applications/Google Chrome.app/Contents/MacOS/Google Chrome")},
		{BrowserChromium, "/Applications/Chromium.app/Contents/MacOS/Chromium"},
		{BrowserBrave, "/Applications/Brave Browser.app/Contents/MacOS/Brave Browser"},
		{BrowserEdge, "/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
	})
}

func findChromeLinux() *BrowserExecutable {
	return firstExisting([]candidate{
		{BrowserChrome, "/usr/bin/google-chrome"},
		{BrowserChrome, "/usr/bin/google-chrome-stable"},
		{BrowserChromium, "/usr/bin/chromium"},
		{BrowserChromium, "/usr/bin/chromium-browser"},
		{BrowserChromium, "/snap/bin/chromium"},
		{BrowserBrave, "/usr/bin/brave-browser"},
		{BrowserEdge, "/usr/bin/microsoft-edge"},
	})
}

func findChromeWindows() *BrowserExecutable {
	programFiles := os.Getenv("ProgramFiles")
	if programFiles == "" {
		programFiles = `C:\Program Files`
	}
	programFilesX86 := os.Getenv("ProgramFiles(x86)")
	if programFilesX86 == "" {
		programFilesX86 = `C:\Program Files (x86)`
	}
	list := []candidate{
		{BrowserChrome, filepath.Join(programFiles, "Google", "Chrome", "Application", "chrome.exe")},
		{BrowserChrome, filepath.Join(programFilesX86, "Google", "Chrome", "Application", "chrome.exe")},
		{BrowserEdge, filepath.Join(programFiles, "Microsoft", "Edge", "Application", "msedge.exe")},
	}
	if local := os.Getenv("LOCALAPPDATA"); local != "" {
		list = append([]candidate{
			{BrowserChrome, filepath.Join(local, "Google", "Chrome", "Application", "chrome.exe")},
		}, list...)
	}
	return firstExisting(list)
}
