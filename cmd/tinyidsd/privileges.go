package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// dropPrivileges switches to the configured user and group. It must run
// after the store and key pair are open. Without root it only warns.
func dropPrivileges(userName, groupName string, logger *slog.Logger) error {
	if userName == "" && groupName == "" {
		return nil
	}
	if os.Geteuid() != 0 {
		logger.Warn("not running as root, keeping current privileges", "user", userName, "group", groupName)
		return nil
	}

	uid, gid := -1, -1
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf("lookup group %s: %w", groupName, err)
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return fmt.Errorf("group %s: invalid gid %q", groupName, g.Gid)
		}
	}
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return fmt.Errorf("lookup user %s: %w", userName, err)
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return fmt.Errorf("user %s: invalid uid %q", userName, u.Uid)
		}
		if gid < 0 {
			if gid, err = strconv.Atoi(u.Gid); err != nil {
				return fmt.Errorf("user %s: invalid gid %q", userName, u.Gid)
			}
		}
	}

	// Group first: after setuid the process may no longer change it.
	if gid >= 0 {
		if err := unix.Setgroups([]int{gid}); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid %d: %w", gid, err)
		}
	}
	if uid >= 0 {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid %d: %w", uid, err)
		}
	}
	logger.Info("dropped privileges", "uid", os.Getuid(), "gid", os.Getgid())
	return nil
}
