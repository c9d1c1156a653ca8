package identity

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvironmentFile is the plain text file at the process root describing the
// deployment environment.
const EnvironmentFile = "ENVIRONMENT"

// DefaultEnvironment is assumed when no ENVIRONMENT file is present.
const DefaultEnvironment = "dev"

// Environment is the parsed contents of the ENVIRONMENT file.
type Environment struct {
	// Role is the role descriptor from the first non-empty line.
	Role string
	// IPOverride is the optional IP from the second non-empty line.
	IPOverride string
}

// ReadEnvironment parses the ENVIRONMENT file under dir. A missing file is
// not an error and yields the default role.
func ReadEnvironment(dir string) (Environment, error) {
	f, err := os.Open(filepath.Join(dir, EnvironmentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Environment{Role: DefaultEnvironment}, nil
		}
		return Environment{}, fmt.Errorf("open environment file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return Environment{}, fmt.Errorf("read environment file: %w", err)
	}

	env := Environment{Role: DefaultEnvironment}
	if len(lines) > 0 {
		env.Role = lines[0]
	}
	if len(lines) > 1 {
		env.IPOverride = lines[1]
	}
	return env, nil
}
