package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var initFlags struct {
	envFile string
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate an admin key and store it in .env",
	Long: `Generate a random admin key and write it as ADMIN_KEY to the .env file.
The relay loads .env at startup and requires this key on /admin routes.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initFlags.envFile, "env-file", ".env", "file to write ADMIN_KEY into")
}

func runInit(cmd *cobra.Command, args []string) error {
	adminKey, err := generateAdminKey()
	if err != nil {
		return fmt.Errorf("generate admin key: %w", err)
	}
	if err := writeAdminKey(initFlags.envFile, adminKey); err != nil {
		return fmt.Errorf("write %s: %w", initFlags.envFile, err)
	}
	fmt.Printf("AdminKey: %s\nSaved to %s (ADMIN_KEY).\n", adminKey, initFlags.envFile)
	return nil
}

func generateAdminKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "admin_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// writeAdminKey replaces ADMIN_KEY in envFile, keeping every other line.
func writeAdminKey(envFile, adminKey string) error {
	entry := "ADMIN_KEY=" + adminKey

	data, err := os.ReadFile(envFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return os.WriteFile(envFile, []byte(entry+"\n"), 0600)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(line, "ADMIN_KEY=") {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, entry)
	}

	return os.WriteFile(envFile, []byte(strings.Join(lines, "\n")+"\n"), 0600)
}
