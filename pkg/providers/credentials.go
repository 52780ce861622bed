package providers

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Credential modes a backend can authenticate with.
const (
	CredentialAPIKey    = "api_key"
	CredentialTokenFile = "token_file"
)

// credential is the one secret a backend sends as its bearer token. For
// CredentialTokenFile, value is a path and the token is read per request
// so rotated tokens are picked up without a restart.
type credential struct {
	mode  string
	field string
	value string
}

// credentialFields names where a backend looks for its secret. An empty
// fileField means the backend only takes an API key.
type credentialFields struct {
	keyField  string
	key       string
	fileField string
	file      string
	envHint   string
}

func pickCredential(label string, f credentialFields) (credential, error) {
	key := strings.TrimSpace(f.key)
	file := strings.TrimSpace(f.file)

	switch {
	case key != "" && file != "":
		return credential{}, fmt.Errorf("%s has both %s and %s set; set exactly one", label, f.keyField, f.fileField)
	case key != "":
		return credential{mode: CredentialAPIKey, field: f.keyField, value: key}, nil
	case file != "":
		return credential{mode: CredentialTokenFile, field: f.fileField, value: file}, nil
	}

	where := f.keyField
	if f.fileField != "" {
		where += " or " + f.fileField
	}
	if f.envHint != "" {
		where += ", or export " + f.envHint
	}
	return credential{}, fmt.Errorf("%s API key is required (set %s)", label, where)
}

// check confirms a token file is readable and non-empty at startup.
func (c credential) check() error {
	if c.mode != CredentialTokenFile {
		return nil
	}
	_, err := c.bearer()
	return err
}

func (c credential) bearer() (string, error) {
	if c.mode != CredentialTokenFile {
		if c.value == "" {
			return "", fmt.Errorf("%s is empty", c.field)
		}
		return c.value, nil
	}
	path := expandHome(c.value)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", c.field, err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("%s %s is empty", c.field, path)
	}
	return tok, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
