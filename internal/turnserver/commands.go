package turnserver

import "net/netip"

// AddressFamily selects which of the relay's address families a command
// refers to.
type AddressFamily int

const (
	FamilyV4 AddressFamily = iota
	FamilyV6
)

func (f AddressFamily) String() string {
	if f == FamilyV6 {
		return "ipv6"
	}
	return "ipv4"
}

// CommandKind discriminates Command.
type CommandKind int

const (
	// CommandSendMessage asks the caller to emit a datagram (a STUN
	// response or ChannelData frame) to a client.
	CommandSendMessage CommandKind = iota

	// CommandCreateAllocation asks the caller to open the relay's UDP
	// port for a new allocation, in the given address family.
	CommandCreateAllocation

	// CommandFreeAllocation asks the caller to close a previously opened
	// relay port.
	CommandFreeAllocation

	// CommandCreateChannelBinding informs the caller (e.g. an eBPF or
	// firewall fast path) that relayed traffic will flow between client
	// and peer over the given channel.
	CommandCreateChannelBinding

	// CommandDeleteChannelBinding retracts a CommandCreateChannelBinding.
	CommandDeleteChannelBinding
)

// Command is one side effect the sans-IO server wants the caller to
// perform. The server never opens sockets or sends datagrams itself.
type Command struct {
	Kind CommandKind

	// SendMessage
	Payload   []byte
	Recipient netip.AddrPort

	// CreateAllocation / FreeAllocation / channel bindings
	Port   uint16
	Family AddressFamily

	// Channel bindings
	Client  netip.AddrPort
	Channel uint16
	Peer    netip.AddrPort
}
