package keyring

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"
)

// PromptPassword reads a password from the terminal with echo off.
func PromptPassword(host string) (string, error) {
	fmt.Fprintf(os.Stderr, "Enter password for %q: ", host)
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(passwordBytes), nil
}

// PromptAndConfirmPassword prompts twice and requires both entries to match.
func PromptAndConfirmPassword(host string) (string, error) {
	first, err := PromptPassword(host)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(os.Stderr, "Confirm password for %q: ", host)
	confirmBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password confirmation: %w", err)
	}
	if first != string(confirmBytes) {
		return "", fmt.Errorf("passwords do not match")
	}
	return first, nil
}
