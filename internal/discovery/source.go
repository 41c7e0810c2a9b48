package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/smukkama/sensor-proxy/internal/store"
)

// Source produces candidate device addresses.
type Source interface {
	Name() string
	Candidates(ctx context.Context) ([]string, error)
}

// ARPSource lists the hosts in the local ARP cache.
type ARPSource struct {
	// Command is split on whitespace and executed without a shell.
	Command string
}

func (s *ARPSource) Name() string { return "arp" }

func (s *ARPSource) Candidates(ctx context.Context) ([]string, error) {
	args := strings.Fields(s.Command)
	if len(args) == 0 {
		args = []string{"arp", "-a"}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to read ARP table: %w", err)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return nil, fmt.Errorf("failed to read ARP table: %s", msg)
	}

	return ParseARPTable(stdout.String()), nil
}

var arpAddressPattern = regexp.MustCompile(`\((\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\)`)

// ParseARPTable extracts the parenthesised IPv4 addresses of `arp -a`
// output, skipping incomplete entries. Order of first appearance is kept.
func ParseARPTable(output string) []string {
	seen := make(map[string]bool)
	addresses := []string{}

	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "incomplete") {
			continue
		}
		for _, m := range arpAddressPattern.FindAllStringSubmatch(line, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				addresses = append(addresses, m[1])
			}
		}
	}

	return addresses
}

// RegistrySource uses the ip field of every record under cameras.
type RegistrySource struct {
	Store store.Store
}

func (s *RegistrySource) Name() string { return "registry" }

func (s *RegistrySource) Candidates(ctx context.Context) ([]string, error) {
	cameras, err := s.Store.Children(ctx, "cameras")
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}

	seen := make(map[string]bool)
	addresses := []string{}
	for _, c := range cameras {
		var camera struct {
			IP string `json:"ip"`
		}
		if err := json.Unmarshal(c.Value, &camera); err != nil || camera.IP == "" {
			continue
		}
		if !seen[camera.IP] {
			seen[camera.IP] = true
			addresses = append(addresses, camera.IP)
		}
	}

	return addresses, nil
}
