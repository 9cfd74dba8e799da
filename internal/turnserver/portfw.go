//go:build linux

package turnserver

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// nftTableName scopes every rule the relay installs, so they can be torn
// down without touching other firewall state on the host.
const nftTableName = "ironveild"

// PortFirewall is the caller-side companion to the sans-IO Server on
// Linux: when the server emits CommandCreateAllocation /
// CommandFreeAllocation, the daemon opens or closes the corresponding
// relay port in the host firewall.
//
// Requires CAP_NET_ADMIN.
type PortFirewall struct {
	log     *slog.Logger
	tableV4 *nftables.Table
	tableV6 *nftables.Table
	chainV4 *nftables.Chain
	chainV6 *nftables.Chain
	rules   map[uint16][]*nftables.Rule
}

// NewPortFirewall connects to nftables and creates the relay's input
// chain in both address families. The chain's policy is accept and it
// starts with one drop rule over the relay port range; Apply punches
// per-allocation accept holes.
func NewPortFirewall(portLow, portHigh uint16, logger *slog.Logger) (*PortFirewall, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &PortFirewall{
		log:   logger.With("component", "port-firewall"),
		rules: make(map[uint16][]*nftables.Rule),
	}

	c, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("connecting to nftables: %w", err)
	}

	f.tableV4 = c.AddTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: nftTableName})
	f.tableV6 = c.AddTable(&nftables.Table{Family: nftables.TableFamilyIPv6, Name: nftTableName})

	policy := nftables.ChainPolicyAccept
	f.chainV4 = c.AddChain(&nftables.Chain{
		Name:     "relay-input",
		Table:    f.tableV4,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
	f.chainV6 = c.AddChain(&nftables.Chain{
		Name:     "relay-input",
		Table:    f.tableV6,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})

	// Drop unallocated traffic in the relay range; per-port accept rules
	// are inserted above this one as allocations come and go.
	for _, tc := range []struct {
		table *nftables.Table
		chain *nftables.Chain
	}{{f.tableV4, f.chainV4}, {f.tableV6, f.chainV6}} {
		c.AddRule(&nftables.Rule{
			Table: tc.table,
			Chain: tc.chain,
			Exprs: []expr.Any{
				&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{17}}, // UDP
				&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
				&expr.Range{Op: expr.CmpOpEq, Register: 1, FromData: portBytes(portLow), ToData: portBytes(portHigh)},
				&expr.Verdict{Kind: expr.VerdictDrop},
			},
		})
	}

	if err := c.Flush(); err != nil {
		return nil, fmt.Errorf("installing relay firewall chains: %w", err)
	}
	f.log.Info("relay firewall installed", "port_low", portLow, "port_high", portHigh)
	return f, nil
}

// Apply reacts to one server command. Only allocation commands carry
// firewall consequences; everything else is ignored.
func (f *PortFirewall) Apply(cmd Command) error {
	switch cmd.Kind {
	case CommandCreateAllocation:
		return f.openPort(cmd.Port, cmd.Family)
	case CommandFreeAllocation:
		return f.closePort(cmd.Port)
	default:
		return nil
	}
}

func (f *PortFirewall) openPort(port uint16, family AddressFamily) error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}

	table, chain := f.tableV4, f.chainV4
	if family == FamilyV6 {
		table, chain = f.tableV6, f.chainV6
	}

	rule := c.InsertRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{17}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: portBytes(port)},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
	})
	if err := c.Flush(); err != nil {
		return fmt.Errorf("opening relay port %d: %w", port, err)
	}

	f.rules[port] = append(f.rules[port], rule)
	f.log.Debug("relay port opened", "port", port, "family", family)
	return nil
}

func (f *PortFirewall) closePort(port uint16) error {
	rules, ok := f.rules[port]
	if !ok {
		return nil
	}
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}
	for _, rule := range rules {
		if err := c.DelRule(rule); err != nil {
			return fmt.Errorf("removing rule for relay port %d: %w", port, err)
		}
	}
	if err := c.Flush(); err != nil {
		return fmt.Errorf("closing relay port %d: %w", port, err)
	}
	delete(f.rules, port)
	f.log.Debug("relay port closed", "port", port)
	return nil
}

// Close removes the relay's tables and every rule in them.
func (f *PortFirewall) Close() error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}
	c.DelTable(f.tableV4)
	c.DelTable(f.tableV6)
	if err := c.Flush(); err != nil {
		return fmt.Errorf("removing relay firewall tables: %w", err)
	}
	return nil
}

func portBytes(port uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, port)
	return b
}
