package protocol

import "github.com/starrelay-project/starrelay/internal/variant"

// UUID is a raw 16 byte identifier as sent on the wire.
type UUID [16]byte

// Vec2F is a 2D float position.
type Vec2F struct {
	X float32 `wire:"0"`
	Y float32 `wire:"1"`
}

// Vec2I is a 2D integer vector.
type Vec2I struct {
	X int32 `wire:"0"`
	Y int32 `wire:"1"`
}

// Vec3I is a 3D integer vector, used for star system locations.
type Vec3I struct {
	X int32 `wire:"0"`
	Y int32 `wire:"1"`
	Z int32 `wire:"2"`
}

// CelestialCoordinate addresses a planet or moon.
type CelestialCoordinate struct {
	Location  Vec3I `wire:"0"`
	Planet    int32 `wire:"1"`
	Satellite int32 `wire:"2"`
}

// CelestialInfo describes the universe layout sent on login.
type CelestialInfo struct {
	PlanetOrbitalLevels    int32 `wire:"0"`
	SatelliteOrbitalLevels int32 `wire:"1"`
	ChunkSize              int32 `wire:"2"`
	XYCoordRange           Vec2I `wire:"3"`
	ZCoordRange            Vec2I `wire:"4"`
}

// WorldID selects the world a warp lands in.
type WorldID interface{ isWorldID() }

type CelestialWorldID struct {
	Coordinate CelestialCoordinate `wire:"0"`
}

type ClientShipWorldID struct {
	Owner UUID `wire:"0"`
}

type InstanceWorldID struct {
	Name  string   `wire:"0"`
	UUID  *UUID    `wire:"1"`
	Level *float32 `wire:"2"`
}

func (CelestialWorldID) isWorldID()  {}
func (ClientShipWorldID) isWorldID() {}
func (InstanceWorldID) isWorldID()   {}

// SpawnTarget selects where in the world a warp lands.
type SpawnTarget interface{ isSpawnTarget() }

type SpawnTargetUniqueEntity struct {
	Name string `wire:"0"`
}

type SpawnTargetPosition struct {
	Position Vec2F `wire:"0"`
}

type SpawnTargetX struct {
	X float32 `wire:"0"`
}

func (SpawnTargetUniqueEntity) isSpawnTarget() {}
func (SpawnTargetPosition) isSpawnTarget()     {}
func (SpawnTargetX) isSpawnTarget()            {}

// WarpAction is the destination of a player warp.
type WarpAction interface{ isWarpAction() }

type WarpToWorld struct {
	World WorldID     `wire:"0"`
	Spawn SpawnTarget `wire:"1"`
}

type WarpToPlayer struct {
	Player UUID `wire:"0"`
}

// WarpAlias is a symbolic destination: 0 return, 1 orbited world, 2 own ship.
type WarpAlias struct {
	Alias uint32 `wire:"0"`
}

func (WarpToWorld) isWarpAction()  {}
func (WarpToPlayer) isWarpAction() {}
func (WarpAlias) isWarpAction()    {}

// SystemLocation is where a ship parks inside a star system.
type SystemLocation interface{ isSystemLocation() }

type OrbitLocation struct {
	Target CelestialCoordinate `wire:"0"`
}

type ObjectLocation struct {
	Object UUID `wire:"0"`
}

type SpaceLocation struct {
	Position Vec2F `wire:"0"`
}

func (OrbitLocation) isSystemLocation()  {}
func (ObjectLocation) isSystemLocation() {}
func (SpaceLocation) isSystemLocation()  {}

func init() {
	RegisterUnion[WorldID](CelestialWorldID{}, ClientShipWorldID{}, InstanceWorldID{})
	RegisterUnion[SpawnTarget](SpawnTargetUniqueEntity{}, SpawnTargetPosition{}, SpawnTargetX{})
	RegisterUnion[WarpAction](WarpToWorld{}, WarpToPlayer{}, WarpAlias{})
	RegisterUnion[SystemLocation](OrbitLocation{}, ObjectLocation{}, SpaceLocation{})
}

// ChatContext tells how a chat line was sent. Channel is empty outside
// party and broadcast channels.
type ChatContext struct {
	Mode    uint8  `wire:"0"`
	Channel string `wire:"1"`
}

// Chat modes.
const (
	ChatModeLocal     uint8 = 0
	ChatModeParty     uint8 = 1
	ChatModeBroadcast uint8 = 2
	ChatModeWhisper   uint8 = 3
	ChatModeCommand   uint8 = 4
	ChatModeRadio     uint8 = 5
	ChatModeWorld     uint8 = 6
)

// ShipChunk is one serialized chunk of the client's ship world.
type ShipChunk struct {
	Key  []byte  `wire:"0"`
	Data *[]byte `wire:"1"`
}

// ShipUpgrades describes the client's ship.
type ShipUpgrades struct {
	ShipLevel      uint32   `wire:"0"`
	MaxFuel        uint32   `wire:"1"`
	CrewSize       uint32   `wire:"2"`
	FuelEfficiency float32  `wire:"3"`
	ShipSpeed      float32  `wire:"4"`
	Capabilities   []string `wire:"5"`
}

// ItemDescriptor names an item stack.
type ItemDescriptor struct {
	Name       string        `wire:"0"`
	Count      uint64        `wire:"1"`
	Parameters variant.Value `wire:"2"`
}

// InteractRequest is an entity interaction.
type InteractRequest struct {
	SourceID         int32 `wire:"0"`
	SourcePosition   Vec2F `wire:"1"`
	TargetID         int32 `wire:"2"`
	InteractPosition Vec2F `wire:"3"`
}

// InteractAction is the outcome of an interaction.
type InteractAction struct {
	Action   uint8         `wire:"0"`
	EntityID int32         `wire:"1"`
	Data     variant.Value `wire:"2"`
}

type ProtocolRequestPacket struct {
	PacketHeader
	ProtocolVersion uint32 `wire:"0"`
}

// ProtocolResponsePacket carries server info only when the version was
// accepted.
type ProtocolResponsePacket struct {
	PacketHeader
	Allowed bool          `wire:"0,cond"`
	Info    variant.Value `wire:"1"`
}

type ServerDisconnectPacket struct {
	PacketHeader
	Reason string `wire:"0"`
}

type ConnectSuccessPacket struct {
	PacketHeader
	ClientID   uint64        `wire:"0"`
	ServerUUID UUID          `wire:"1"`
	Celestial  CelestialInfo `wire:"2"`
}

type ConnectFailurePacket struct {
	PacketHeader
	Reason string `wire:"0"`
}

type HandshakeChallengePacket struct {
	PacketHeader
	PasswordSalt []byte `wire:"0"`
}

type ChatReceivedPacket struct {
	PacketHeader
	Context        ChatContext `wire:"0"`
	FromConnection uint16      `wire:"1"`
	FromNick       string      `wire:"2"`
	Portrait       string      `wire:"3"`
	Text           string      `wire:"4"`
}

type UniverseTimeUpdatePacket struct {
	PacketHeader
	UniverseTime float64 `wire:"0"`
}

type PlayerWarpResultPacket struct {
	PacketHeader
	Success           bool       `wire:"0"`
	Action            WarpAction `wire:"1"`
	WarpActionInvalid bool       `wire:"2"`
}

type PausePacket struct {
	PacketHeader
	Pause bool `wire:"0"`
}

type ServerInfoPacket struct {
	PacketHeader
	Players    uint16 `wire:"0"`
	MaxPlayers uint16 `wire:"1"`
}

type ClientConnectPacket struct {
	PacketHeader
	AssetDigest        []byte       `wire:"0"`
	AllowAssetMismatch bool         `wire:"1"`
	PlayerUUID         UUID         `wire:"2"`
	PlayerName         string       `wire:"3"`
	PlayerSpecies      string       `wire:"4"`
	ShipChunks         []ShipChunk  `wire:"5"`
	ShipUpgrades       ShipUpgrades `wire:"6"`
	IntroComplete      bool         `wire:"7"`
	Account            string       `wire:"8"`
}

// ClientDisconnectRequestPacket keeps whatever trailing bytes the client
// sends so relaying it is byte exact.
type ClientDisconnectRequestPacket struct {
	PacketHeader
	Data []byte `wire:"0,greedy"`
}

type HandshakeResponsePacket struct {
	PacketHeader
	PasswordHash []byte `wire:"0"`
}

type PlayerWarpPacket struct {
	PacketHeader
	Action WarpAction `wire:"0"`
	Deploy bool       `wire:"1"`
}

type FlyShipPacket struct {
	PacketHeader
	System   Vec3I          `wire:"0"`
	Location SystemLocation `wire:"1"`
}

type ChatSentPacket struct {
	PacketHeader
	Text     string `wire:"0"`
	SendMode uint8  `wire:"1"`
}

type ClientContextUpdatePacket struct {
	PacketHeader
	UpdateData []byte `wire:"0"`
}

type WorldStartPacket struct {
	PacketHeader
	TemplateData           variant.Value         `wire:"0"`
	SkyData                []byte                `wire:"1"`
	WeatherData            []byte                `wire:"2"`
	PlayerStart            Vec2F                 `wire:"3"`
	PlayerRespawn          Vec2F                 `wire:"4"`
	RespawnInWorld         bool                  `wire:"5"`
	DungeonGravity         Dict[uint16, float32] `wire:"6"`
	DungeonBreathable      Dict[uint16, bool]    `wire:"7"`
	ProtectedDungeonIDs    []uint16              `wire:"8"`
	WorldProperties        variant.Value         `wire:"9"`
	ClientID               uint16                `wire:"10"`
	LocalInterpolationMode bool                  `wire:"11"`
}

func (*WorldStartPacket) AlwaysCompress() bool { return true }

type WorldStopPacket struct {
	PacketHeader
	Reason string `wire:"0"`
}

type GiveItemPacket struct {
	PacketHeader
	Item ItemDescriptor `wire:"0"`
}

type EnvironmentUpdatePacket struct {
	PacketHeader
	SkyDelta     []byte `wire:"0"`
	WeatherDelta []byte `wire:"1"`
}

type PongPacket struct {
	PacketHeader
	Time uint64 `wire:"0"`
}

type PingPacket struct {
	PacketHeader
	Time uint64 `wire:"0"`
}

type EntityCreatePacket struct {
	PacketHeader
	EntityType    uint8  `wire:"0"`
	StoreData     []byte `wire:"1"`
	FirstNetState []byte `wire:"2"`
	EntityID      int64  `wire:"3"`
}

type EntityUpdateSetPacket struct {
	PacketHeader
	ForConnection uint16              `wire:"0"`
	Deltas        Dict[int64, []byte] `wire:"1"`
}

type EntityDestroyPacket struct {
	PacketHeader
	EntityID      int64  `wire:"0"`
	FinalNetState []byte `wire:"1"`
	Death         bool   `wire:"2"`
}

type EntityInteractPacket struct {
	PacketHeader
	Request   InteractRequest `wire:"0"`
	RequestID UUID            `wire:"1"`
}

type EntityInteractResultPacket struct {
	PacketHeader
	Action         InteractAction `wire:"0"`
	RequestID      UUID           `wire:"1"`
	SourceEntityID int32          `wire:"2"`
}

func (*ProtocolRequestPacket) Type() PacketType         { return ProtocolRequest }
func (*ProtocolResponsePacket) Type() PacketType        { return ProtocolResponse }
func (*ServerDisconnectPacket) Type() PacketType        { return ServerDisconnect }
func (*ConnectSuccessPacket) Type() PacketType          { return ConnectSuccess }
func (*ConnectFailurePacket) Type() PacketType          { return ConnectFailure }
func (*HandshakeChallengePacket) Type() PacketType      { return HandshakeChallenge }
func (*ChatReceivedPacket) Type() PacketType            { return ChatReceived }
func (*UniverseTimeUpdatePacket) Type() PacketType      { return UniverseTimeUpdate }
func (*PlayerWarpResultPacket) Type() PacketType        { return PlayerWarpResult }
func (*PausePacket) Type() PacketType                   { return Pause }
func (*ServerInfoPacket) Type() PacketType              { return ServerInfo }
func (*ClientConnectPacket) Type() PacketType           { return ClientConnect }
func (*ClientDisconnectRequestPacket) Type() PacketType { return ClientDisconnectRequest }
func (*HandshakeResponsePacket) Type() PacketType       { return HandshakeResponse }
func (*PlayerWarpPacket) Type() PacketType              { return PlayerWarp }
func (*FlyShipPacket) Type() PacketType                 { return FlyShip }
func (*ChatSentPacket) Type() PacketType                { return ChatSent }
func (*ClientContextUpdatePacket) Type() PacketType     { return ClientContextUpdate }
func (*WorldStartPacket) Type() PacketType              { return WorldStart }
func (*WorldStopPacket) Type() PacketType               { return WorldStop }
func (*GiveItemPacket) Type() PacketType                { return GiveItem }
func (*EnvironmentUpdatePacket) Type() PacketType       { return EnvironmentUpdate }
func (*PongPacket) Type() PacketType                    { return Pong }
func (*PingPacket) Type() PacketType                    { return Ping }
func (*EntityCreatePacket) Type() PacketType            { return EntityCreate }
func (*EntityUpdateSetPacket) Type() PacketType         { return EntityUpdateSet }
func (*EntityDestroyPacket) Type() PacketType           { return EntityDestroy }
func (*EntityInteractPacket) Type() PacketType          { return EntityInteract }
func (*EntityInteractResultPacket) Type() PacketType    { return EntityInteractResult }

// DefaultPackets lists a zero value of every packet type with a schema.
func DefaultPackets() []Packet {
	return []Packet{
		&ProtocolRequestPacket{},
		&ProtocolResponsePacket{},
		&ServerDisconnectPacket{},
		&ConnectSuccessPacket{},
		&ConnectFailurePacket{},
		&HandshakeChallengePacket{},
		&ChatReceivedPacket{},
		&UniverseTimeUpdatePacket{},
		&PlayerWarpResultPacket{},
		&PausePacket{},
		&ServerInfoPacket{},
		&ClientConnectPacket{},
		&ClientDisconnectRequestPacket{},
		&HandshakeResponsePacket{},
		&PlayerWarpPacket{},
		&FlyShipPacket{},
		&ChatSentPacket{},
		&ClientContextUpdatePacket{},
		&WorldStartPacket{},
		&WorldStopPacket{},
		&GiveItemPacket{},
		&EnvironmentUpdatePacket{},
		&PongPacket{},
		&PingPacket{},
		&EntityCreatePacket{},
		&EntityUpdateSetPacket{},
		&EntityDestroyPacket{},
		&EntityInteractPacket{},
		&EntityInteractResultPacket{},
	}
}
