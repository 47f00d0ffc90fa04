// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package backend

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Usage errors. These are reported to the caller, never panics, and leave the
// backend fully usable.
var (
	// ErrUnknownSnapshot is returned when reverting to an id that was never
	// issued or was already consumed by an earlier revert.
	ErrUnknownSnapshot = errors.New("backend: unknown snapshot id")

	// ErrOffline is returned by operations that cannot be served without a
	// remote call while offline mode is active.
	ErrOffline = errors.New("backend: operation requires remote access, node is offline")
)

// NoCheatcodeAccessError reports a privileged operation attempted by an
// account that was never granted cheatcode access.
type NoCheatcodeAccessError struct {
	Account common.Address
}

func (e *NoCheatcodeAccessError) Error() string {
	return fmt.Sprintf("backend: no cheatcode access granted to %s", e.Account)
}
