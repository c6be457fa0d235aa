package fs

import (
	"fmt"
	"os"
)

// FormatFileMode renders mode bits the way ls -l and stat do, with the
// setuid/setgid/sticky bits folded into the x columns ("drwxr-sr-x").
func FormatFileMode(mode os.FileMode) string {
	var buf [10]byte
	switch {
	case mode.IsDir():
		buf[0] = 'd'
	case mode&os.ModeSymlink != 0:
		buf[0] = 'l'
	default:
		buf[0] = '-'
	}

	perm := mode.Perm()
	rw := func(idx int, bit os.FileMode, c byte) {
		if perm&bit != 0 {
			buf[idx] = c
		} else {
			buf[idx] = '-'
		}
	}
	rw(1, 0o400, 'r')
	rw(2, 0o200, 'w')
	buf[3] = execChar(perm&0o100 != 0, mode&os.ModeSetuid != 0, 's', 'S')
	rw(4, 0o040, 'r')
	rw(5, 0o020, 'w')
	buf[6] = execChar(perm&0o010 != 0, mode&os.ModeSetgid != 0, 's', 'S')
	rw(7, 0o004, 'r')
	rw(8, 0o002, 'w')
	buf[9] = execChar(perm&0o001 != 0, mode&os.ModeSticky != 0, 't', 'T')
	return string(buf[:])
}

func execChar(x, special bool, lower, upper byte) byte {
	switch {
	case x && special:
		return lower
	case special:
		return upper
	case x:
		return 'x'
	default:
		return '-'
	}
}

// ParseFileMode parses an ls style mode string back into file mode bits.
func ParseFileMode(s string) (os.FileMode, error) {
	if len(s) != 10 {
		return 0, fmt.Errorf("invalid file mode %q", s)
	}
	var mode os.FileMode
	switch s[0] {
	case 'd':
		mode |= os.ModeDir
	case 'l':
		mode |= os.ModeSymlink
	case '-':
	default:
		return 0, fmt.Errorf("unsupported file type %q in mode %q", s[0], s)
	}

	parseRW := func(c, want byte, bit os.FileMode) error {
		switch c {
		case want:
			mode |= bit
		case '-':
		default:
			return fmt.Errorf("invalid character %q in mode %q", c, s)
		}
		return nil
	}
	parseExec := func(c byte, xBit, specialBit os.FileMode, lower, upper byte) error {
		switch c {
		case 'x':
			mode |= xBit
		case lower:
			mode |= xBit | specialBit
		case upper:
			mode |= specialBit
		case '-':
		default:
			return fmt.Errorf("invalid character %q in mode %q", c, s)
		}
		return nil
	}

	if err := parseRW(s[1], 'r', 0o400); err != nil {
		return 0, err
	}
	if err := parseRW(s[2], 'w', 0o200); err != nil {
		return 0, err
	}
	if err := parseExec(s[3], 0o100, os.ModeSetuid, 's', 'S'); err != nil {
		return 0, err
	}
	if err := parseRW(s[4], 'r', 0o040); err != nil {
		return 0, err
	}
	if err := parseRW(s[5], 'w', 0o020); err != nil {
		return 0, err
	}
	if err := parseExec(s[6], 0o010, os.ModeSetgid, 's', 'S'); err != nil {
		return 0, err
	}
	if err := parseRW(s[7], 'r', 0o004); err != nil {
		return 0, err
	}
	if err := parseRW(s[8], 'w', 0o002); err != nil {
		return 0, err
	}
	if err := parseExec(s[9], 0o001, os.ModeSticky, 't', 'T'); err != nil {
		return 0, err
	}
	return mode, nil
}
