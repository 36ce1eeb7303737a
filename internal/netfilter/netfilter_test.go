package netfilter

import "testing"

func TestChainArgsShape(t *testing.T) {
	c := chain{binary: "iptables", direction: "OUTPUT", devFlag: "-o"}
	args := c.args("I", 786)

	want := []string{
		"-t", "mangle",
		"-I", "OUTPUT",
		"!", "-o", "lo",
		"-j", "NFQUEUE",
		"--queue-num", "786",
		"--queue-bypass",
	}
	if len(args) != len(want) {
		t.Fatalf("got %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("arg %d = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestChainsCoversBothFamiliesAndDirections(t *testing.T) {
	all := chains()
	if len(all) != 4 {
		t.Fatalf("got %d chains, want 4", len(all))
	}
	seen := map[string]bool{}
	for _, c := range all {
		seen[c.binary+"/"+c.direction] = true
	}
	for _, key := range []string{"iptables/INPUT", "iptables/OUTPUT", "ip6tables/INPUT", "ip6tables/OUTPUT"} {
		if !seen[key] {
			t.Fatalf("missing chain combination %s", key)
		}
	}
}
