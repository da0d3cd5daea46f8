package lease

import "testing"

func TestLockKey_StableAndDistinct(t *testing.T) {
	a := lockKey("github", "42")
	if a != lockKey("github", "42") {
		t.Fatal("lock key must be stable for the same identity")
	}
	if a == lockKey("github", "43") {
		t.Fatal("distinct external ids must map to distinct keys")
	}
	if a == lockKey("gitlab", "42") {
		t.Fatal("distinct sources must map to distinct keys")
	}
	// The separator keeps ("ab","c") and ("a","bc") apart.
	if lockKey("ab", "c") == lockKey("a", "bc") {
		t.Fatal("identity boundaries must be preserved")
	}
}
