// Package battery reads battery percent and charging status from a Linux
// power-supply sysfs tree. It is the daemon's source of ground truth for
// battery percent — the charge engine polls it, never the device, to decide
// when to cut or restore power.
package battery

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultRoot is the standard Linux power-supply sysfs mount.
const DefaultRoot = "/sys/class/power_supply"

// Common battery and AC adapter directory names across laptop vendors.
var (
	batteryNames = []string{"BAT0", "BAT1", "BATT", "battery"}
	acNames      = []string{"AC", "AC0", "ADP0", "ADP1", "ACAD", "ac"}
)

// Reader reads battery percent, charging status, and AC-online state.
// Detection of which directories correspond to the battery and the AC
// adapter happens once, at construction.
type Reader struct {
	root        string
	batteryPath string
	acPath      string
}

// New detects the battery and AC supply directories under root.
func New(root string) *Reader {
	r := &Reader{root: root}
	r.batteryPath = findSupply(root, batteryNames, "Battery")
	r.acPath = findSupply(root, acNames, "Mains")
	if r.batteryPath == "" {
		log.Printf("battery: no battery found under %s", root)
	}
	if r.acPath == "" {
		log.Printf("battery: no AC adapter found under %s", root)
	}
	return r
}

func findSupply(root string, candidates []string, supplyType string) string {
	for _, name := range candidates {
		path := filepath.Join(root, name)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		typeFile := filepath.Join(root, name, "type")
		contents, err := os.ReadFile(typeFile)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(contents)) == supplyType {
			return filepath.Join(root, name)
		}
	}
	return ""
}

// Available reports whether a battery supply was detected.
func (r *Reader) Available() bool {
	return r.batteryPath != ""
}

// ReadPercent returns the battery's current capacity (0-100), or nil if no
// battery was detected or the capacity file is missing.
func (r *Reader) ReadPercent() *int {
	if r.batteryPath == "" {
		return nil
	}
	return readInt(filepath.Join(r.batteryPath, "capacity"))
}

// ReadStatus returns the battery's status string (e.g. "Charging",
// "Discharging", "Full", "Not charging"), or nil if unavailable.
func (r *Reader) ReadStatus() *string {
	if r.batteryPath == "" {
		return nil
	}
	return readString(filepath.Join(r.batteryPath, "status"))
}

// ReadACOnline returns whether the AC adapter reports itself online, or nil
// if no AC supply was detected.
func (r *Reader) ReadACOnline() *bool {
	if r.acPath == "" {
		return nil
	}
	s := readString(filepath.Join(r.acPath, "online"))
	if s == nil {
		return nil
	}
	online := *s == "1"
	return &online
}

func readString(path string) *string {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	s := strings.TrimSpace(string(contents))
	return &s
}

func readInt(path string) *int {
	s := readString(path)
	if s == nil {
		return nil
	}
	n, err := strconv.Atoi(*s)
	if err != nil {
		return nil
	}
	return &n
}
