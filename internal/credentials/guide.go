package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const guideText = `API key setup guide

1. Recommended: environment variables
   COMPLETION_API_KEY=<your completion API key, starts with sk->
   SPEECH_API_KEY=<your speech API key, 24 characters>
   SPEECH_SECRET_KEY=<your speech secret key, 32 characters>
   A .env file in the working directory is also read at startup.

2. Alternative: secrets file
   Save the keys from the settings panel, or write secrets.json in the data
   directory:
   {
     "COMPLETION_API_KEY": "...",
     "SPEECH_API_KEY": "...",
     "SPEECH_SECRET_KEY": "..."
   }
   Changes to the file are picked up while the server runs.

3. Temporary: shared keys
   Without your own keys the server falls back to a shared key set.
   Shared keys are rate limited, may be restricted, and may be unstable
   when many people use them.
`

// WriteGuide writes the setup guide to path unless a file already exists.
func WriteGuide(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat guide: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create guide directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(guideText), 0o644); err != nil {
		return fmt.Errorf("write guide: %w", err)
	}
	return nil
}
