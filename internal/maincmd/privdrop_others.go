//go:build !linux || nonamespacing

package maincmd

import "github.com/gokrazy/rsync/internal/rsyncos"

func dropPrivileges(osenv *rsyncos.Env) error { return nil }
