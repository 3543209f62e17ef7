package proxy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// BlockList holds hostnames the proxy refuses to reach. A nil *BlockList
// blocks nothing.
type BlockList struct {
	hosts map[string]struct{}
}

// LoadBlockList reads one hostname per line. Blank lines and lines starting
// with '#' are ignored.
func LoadBlockList(path string) (*BlockList, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blocklist: %w", err)
	}
	defer file.Close()
	return ReadBlockList(file)
}

func ReadBlockList(r io.Reader) (*BlockList, error) {
	bl := &BlockList{hosts: make(map[string]struct{})}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		host := strings.TrimSpace(scanner.Text())
		if host == "" || strings.HasPrefix(host, "#") {
			continue
		}
		bl.hosts[strings.ToLower(host)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading blocklist: %w", err)
	}
	return bl, nil
}

func (bl *BlockList) Blocked(host string) bool {
	if bl == nil {
		return false
	}
	_, ok := bl.hosts[strings.ToLower(host)]
	return ok
}

func (bl *BlockList) Len() int {
	if bl == nil {
		return 0
	}
	return len(bl.hosts)
}
