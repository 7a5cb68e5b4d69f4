package installer

import "testing"

func TestValidName(t *testing.T) {
	valid := []string{"requests", "beautifulsoup4", "typing-extensions", "ruamel.yaml", "Flask_SQLAlchemy"}
	for _, name := range valid {
		if !validName(name) {
			t.Errorf("Expected %q to be valid", name)
		}
	}

	invalid := []string{
		"",
		"-e",
		"--index-url",
		"requests==2.31.0",
		"requests; rm -rf /",
		"git+https://example.com/repo.git",
		"../local/path",
		"name with spaces",
	}
	for _, name := range invalid {
		if validName(name) {
			t.Errorf("Expected %q to be rejected", name)
		}
	}
}
