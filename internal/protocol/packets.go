// Package protocol implements the game wire protocol: frame segmentation,
// the tag-driven packet serializer and the packet dispatcher. Fixed-width
// numbers are big-endian; lengths and most integers are VLQ encoded.
package protocol

import "fmt"

// PacketType is the id byte at the start of every frame.
type PacketType byte

const (
	// Server -> client, handshake
	ProtocolRequest    PacketType = 0 // Client announces its protocol version
	ProtocolResponse   PacketType = 1 // Server accepts or rejects the version
	ServerDisconnect   PacketType = 2 // Server closes the session with a reason
	ConnectSuccess     PacketType = 3 // Client id + server uuid after login
	ConnectFailure     PacketType = 4 // Login rejected with a reason
	HandshakeChallenge PacketType = 5 // Password salt for account login

	// Server -> client, universe
	ChatReceived       PacketType = 6
	UniverseTimeUpdate PacketType = 7
	CelestialResponse  PacketType = 8
	PlayerWarpResult   PacketType = 9
	PlanetTypeUpdate   PacketType = 10
	Pause              PacketType = 11
	ServerInfo         PacketType = 12 // Player count / capacity

	// Client -> server, universe
	ClientConnect           PacketType = 13 // Player identity and ship data
	ClientDisconnectRequest PacketType = 14
	HandshakeResponse       PacketType = 15 // Salted password hash
	PlayerWarp              PacketType = 16
	FlyShip                 PacketType = 17
	ChatSent                PacketType = 18
	CelestialRequest        PacketType = 19
	ClientContextUpdate     PacketType = 20

	// Server -> client, world
	WorldStart              PacketType = 21
	WorldStop               PacketType = 22
	WorldLayoutUpdate       PacketType = 23
	WorldParametersUpdate   PacketType = 24
	CentralStructureUpdate  PacketType = 25
	TileArrayUpdate         PacketType = 26
	TileUpdate              PacketType = 27
	TileLiquidUpdate        PacketType = 28
	TileDamageUpdate        PacketType = 29
	TileModificationFailure PacketType = 30
	GiveItem                PacketType = 31
	EnvironmentUpdate       PacketType = 32
	UpdateTileProtection    PacketType = 33
	SetDungeonGravity       PacketType = 34
	SetDungeonBreathable    PacketType = 35
	SetPlayerStart          PacketType = 36
	FindUniqueEntityResp    PacketType = 37
	Pong                    PacketType = 38

	// Client -> server, world
	ModifyTileList         PacketType = 39
	DamageTileGroup        PacketType = 40
	CollectLiquid          PacketType = 41
	RequestDrop            PacketType = 42
	SpawnEntity            PacketType = 43
	ConnectWire            PacketType = 44
	DisconnectAllWires     PacketType = 45
	WorldClientStateUpdate PacketType = 46
	FindUniqueEntity       PacketType = 47
	WorldStartAcknowledge  PacketType = 48
	Ping                   PacketType = 49

	// Both directions, entities
	EntityCreate         PacketType = 50
	EntityUpdateSet      PacketType = 51
	EntityDestroy        PacketType = 52
	EntityInteract       PacketType = 53
	EntityInteractResult PacketType = 54
	HitRequest           PacketType = 55
)

// KnownPacketTypes is the number of assigned packet ids.
const KnownPacketTypes = 56

var packetNames = [KnownPacketTypes]string{
	"ProtocolRequest", "ProtocolResponse", "ServerDisconnect", "ConnectSuccess",
	"ConnectFailure", "HandshakeChallenge", "ChatReceived", "UniverseTimeUpdate",
	"CelestialResponse", "PlayerWarpResult", "PlanetTypeUpdate", "Pause",
	"ServerInfo", "ClientConnect", "ClientDisconnectRequest", "HandshakeResponse",
	"PlayerWarp", "FlyShip", "ChatSent", "CelestialRequest",
	"ClientContextUpdate", "WorldStart", "WorldStop", "WorldLayoutUpdate",
	"WorldParametersUpdate", "CentralStructureUpdate", "TileArrayUpdate", "TileUpdate",
	"TileLiquidUpdate", "TileDamageUpdate", "TileModificationFailure", "GiveItem",
	"EnvironmentUpdate", "UpdateTileProtection", "SetDungeonGravity", "SetDungeonBreathable",
	"SetPlayerStart", "FindUniqueEntityResponse", "Pong", "ModifyTileList",
	"DamageTileGroup", "CollectLiquid", "RequestDrop", "SpawnEntity",
	"ConnectWire", "DisconnectAllWires", "WorldClientStateUpdate", "FindUniqueEntity",
	"WorldStartAcknowledge", "Ping", "EntityCreate", "EntityUpdateSet",
	"EntityDestroy", "EntityInteract", "EntityInteractResult", "HitRequest",
}

func (t PacketType) String() string {
	if int(t) < len(packetNames) {
		return packetNames[t]
	}
	return fmt.Sprintf("Unknown(%d)", byte(t))
}

// Direction tells which peer a packet came from.
type Direction uint8

const (
	// FromClient packets were sent by the game client towards the server.
	FromClient Direction = iota
	// FromServer packets were sent by the game server towards the client.
	FromServer
)

func (d Direction) String() string {
	if d == FromServer {
		return "server"
	}
	return "client"
}

// PacketHeader carries the per-instance state every packet has besides its
// schema fields. Embed it untagged in packet structs.
type PacketHeader struct {
	// Direction is set when the packet is received.
	Direction Direction
	// Received is true when the packet was decoded from the wire.
	Received bool
	// Ignore suppresses sending. Handlers set it to drop a packet.
	Ignore bool
}

// Header returns the header itself so embedding types satisfy Packet.
func (h *PacketHeader) Header() *PacketHeader {
	return h
}

// Packet is a wire message. Implementations are pointer types.
type Packet interface {
	Type() PacketType
	Header() *PacketHeader
}

// Compressor is implemented by packet types that are always sent
// compressed, whatever their size.
type Compressor interface {
	AlwaysCompress() bool
}

// AlwaysCompress reports the compression hint of p.
func AlwaysCompress(p Packet) bool {
	c, ok := p.(Compressor)
	return ok && c.AlwaysCompress()
}

// GenericPacket carries a payload that was not decoded, either because no
// schema is registered for its id or because decoding failed. It is
// re-sent byte for byte.
type GenericPacket struct {
	PacketHeader
	ID   PacketType
	Data []byte
}

func (p *GenericPacket) Type() PacketType { return p.ID }
