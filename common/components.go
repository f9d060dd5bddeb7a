package common

const (
	// BOND_WITHDRAWAL name to identify the bond withdrawal watcher
	BOND_WITHDRAWAL = "bondWithdrawal" //nolint:stylecheck
	// COMMIT_TRANSFERS name to identify the commit transfers watcher
	COMMIT_TRANSFERS = "commitTransfers" //nolint:stylecheck
	// SETTLE_BONDED_WITHDRAWALS name to identify the settle bonded withdrawals watcher
	SETTLE_BONDED_WITHDRAWALS = "settleBondedWithdrawals" //nolint:stylecheck
	// CHALLENGE name to identify the challenge watcher
	CHALLENGE = "challenge"
	// STAKE name to identify the stake watcher
	STAKE = "stake"
)

// WatcherKinds lists every known watcher, in start order
var WatcherKinds = []string{
	BOND_WITHDRAWAL,
	COMMIT_TRANSFERS,
	SETTLE_BONDED_WITHDRAWALS,
	CHALLENGE,
	STAKE,
}

// IsWatcherKind reports whether kind names a known watcher
func IsWatcherKind(kind string) bool {
	for _, k := range WatcherKinds {
		if k == kind {
			return true
		}
	}
	return false
}
