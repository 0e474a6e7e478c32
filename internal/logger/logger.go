package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rolegraph/rolegraph/internal/netutil"
	"rsc.io/qr"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu      sync.Mutex
	out     io.Writer = os.Stderr
	noColor bool
	level   = LevelInfo
)

const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	cyan   = "\033[36m"
	white  = "\033[37m"

	brightRed  = "\033[91m"
	brightBlue = "\033[94m"

	// Teal shades (256-color)
	teal     = "\033[38;5;37m"
	deepTeal = "\033[38;5;30m"
	mint     = "\033[38;5;121m"
)

func init() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		noColor = true
	}
}

// SetLevel sets the minimum level from a config string. Unknown values keep info.
func SetLevel(s string) {
	mu.Lock()
	defer mu.Unlock()
	level = ParseLevel(s)
}

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetOutput redirects log output and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	mu.Lock()
	defer mu.Unlock()
	prev := out
	out = w
	return prev
}

func enabled(l Level) bool {
	mu.Lock()
	defer mu.Unlock()
	return l >= level
}

func c(code, text string) string {
	if noColor {
		return text
	}
	return code + text + reset
}

func ts() string {
	return c(dim, time.Now().Format("15:04:05"))
}

func write(format string, args ...interface{}) {
	mu.Lock()
	fmt.Fprintf(out, format+"\n", args...)
	mu.Unlock()
}

func Banner() {
	lines := "\n" +
		"  " + c(teal, `o---o`) + "\n" +
		"  " + c(teal, ` \ / `) + "  " + c(bold+brightBlue, "rolegraph") + "\n" +
		"  " + c(teal, `  o  `) + "  " + c(dim, "live role-model graphs") + "\n" +
		c(dim, " ─────────────────────────────────") + "\n"
	mu.Lock()
	fmt.Fprint(out, lines)
	mu.Unlock()
}

func Debug(format string, args ...interface{}) {
	if !enabled(LevelDebug) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	write("%s  %s  %s", ts(), c(dim, "·"), c(dim, msg))
}

func Info(format string, args ...interface{}) {
	if !enabled(LevelInfo) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	write("%s  %s  %s", ts(), c(cyan, "~"), msg)
}

func Success(format string, args ...interface{}) {
	if !enabled(LevelInfo) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	write("%s  %s  %s", ts(), c(green, "✓"), msg)
}

func Warn(format string, args ...interface{}) {
	if !enabled(LevelWarn) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	write("%s  %s  %s", ts(), c(yellow, "⚠"), c(yellow, msg))
}

func Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	write("%s  %s  %s", ts(), c(red, "✗"), c(red, msg))
}

func Fatal(format string, args ...interface{}) {
	Error(format, args...)
	os.Exit(1)
}

// WS logs a connection lifecycle event. Subscription churn is debug-level.
func WS(event, detail string) {
	var icon, eventColor string
	switch event {
	case "connected":
		icon = c(teal, "⚡")
		eventColor = teal
	case "disconnected", "expired":
		icon = c(deepTeal, "·")
		eventColor = deepTeal
	case "dropped":
		icon = c(yellow, "!")
		eventColor = yellow
	default:
		if !enabled(LevelDebug) {
			return
		}
		icon = c(mint, "↔")
		eventColor = mint
	}
	write("%s  %s %s %s",
		ts(),
		icon,
		c(eventColor, fmt.Sprintf("%-16s", "ws:"+event)),
		c(blue, detail),
	)
}

func Listen(addr, url string, port int) {
	write("")
	write("%s  %s  Listening on %s", ts(), c(brightBlue, "◆"), c(bold+white, addr))
	write("              %s  %s", c(dim, "→"), c(cyan, url))

	if lanIP := netutil.GetLANIP(); lanIP != "" {
		lanURL := fmt.Sprintf("http://%s:%d", lanIP, port)
		write("              %s  %s", c(dim, "→"), c(cyan, lanURL))
		write("")
		printQR(lanURL)
		write("              %s", c(dim, "Scan to open the graph viewer on another device"))
	}
	write("")
}

func printQR(url string) {
	code, err := qr.Encode(url, qr.L)
	if err != nil {
		return
	}

	size := code.Size
	quiet := 1
	full := size + quiet*2

	black := func(x, y int) bool {
		qx, qy := x-quiet, y-quiet
		if qx < 0 || qy < 0 || qx >= size || qy >= size {
			return false
		}
		return code.Black(qx, qy)
	}

	for y := 0; y < full; y += 2 {
		var line strings.Builder
		for x := 0; x < full; x++ {
			top := black(x, y)
			bot := y+1 < full && black(x, y+1)

			switch {
			case top && bot:
				line.WriteString("█")
			case top:
				line.WriteString("▀")
			case bot:
				line.WriteString("▄")
			default:
				line.WriteString(" ")
			}
		}
		write("              %s", c(teal, line.String()))
	}
}

func Shutdown(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	write("")
	write("%s  %s  %s", ts(), c(yellow, "■"), c(dim, msg))
}

func Bye() {
	write("%s  %s  %s", ts(), c(dim, "~"), c(dim, "Stopped."))
	write("")
}

func HTTP(method, path string, status int, dur time.Duration) {
	if !enabled(LevelInfo) {
		return
	}
	statusStr := fmt.Sprintf("%d", status)
	var coloredStatus string
	switch {
	case status >= 400:
		coloredStatus = "\033[41;97m " + statusStr + " \033[0m"
	default:
		coloredStatus = c(dim+teal, statusStr)
	}

	mc := teal
	switch method {
	case "POST", "PUT", "PATCH":
		mc = brightBlue
	case "DELETE":
		mc = brightRed
	}

	write("%s  %s %s %s %s",
		ts(),
		c(mc, "["+method+"]"),
		coloredStatus,
		c(dim, path),
		c(dim, FormatDuration(dur)),
	)
}

func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		ms := float64(d.Microseconds()) / 1000.0
		if ms < 10 {
			return fmt.Sprintf("%.1fms", ms)
		}
		return fmt.Sprintf("%.0fms", ms)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
