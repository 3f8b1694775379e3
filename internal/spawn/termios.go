package spawn

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// makeRaw zeroes the input, output and local flag words outright instead of
// clearing the classical cfmakeraw() bit set. The selective twiddles behave
// differently between Linux and the BSDs; forcing the fields to zero gets
// identical line discipline everywhere. Character size stays 8-bit, speeds
// inherit from the kernel default.
func makeRaw(t *unix.Termios) {
	t.Iflag = 0
	t.Oflag = 0
	t.Lflag = 0
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
}

// disableEcho places fd in raw mode with echo off.
func disableEcho(fd int) error {
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return fmt.Errorf("tcgetattr: %w", err)
	}
	makeRaw(t)
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, t); err != nil {
		return fmt.Errorf("tcsetattr: %w", err)
	}
	return nil
}
