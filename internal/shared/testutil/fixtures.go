package testutil

import "nodelock/pkg/contracts/domain"

// Identity fixtures used across package tests.
var (
	// RegisteredIdentity is the machine most tests put on the allow-list.
	RegisteredIdentity = domain.MachineIdentity{
		CPUBrand:   "Intel(R) Core(TM) i7-9750H CPU @ 2.60GHz",
		MACAddress: "aa:bb:cc:dd:ee:ff",
	}

	// StrangerIdentity shares the CPU with RegisteredIdentity but not the NIC.
	StrangerIdentity = domain.MachineIdentity{
		CPUBrand:   RegisteredIdentity.CPUBrand,
		MACAddress: "11:22:33:44:55:66",
	}

	// SentinelIdentity is what the reader produces when nothing could be read.
	SentinelIdentity = domain.NewMachineIdentity("", "")
)
