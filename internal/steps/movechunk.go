package steps

// MoveChunkStep is a checkpoint of a donor shard's moveChunk.
type MoveChunkStep int

const (
	MoveChunkParsedOptions MoveChunkStep = iota + 1
	MoveChunkInstalledMigrationSourceManager
	MoveChunkStartedMoveChunk
	MoveChunkReachedSteadyState
	MoveChunkDataCommitted
	MoveChunkCommitted
)

var moveChunkNames = [...]string{
	MoveChunkParsedOptions:                   "parsedOptions",
	MoveChunkInstalledMigrationSourceManager: "installedMigrationSourceManager",
	MoveChunkStartedMoveChunk:                "startedMoveChunk",
	MoveChunkReachedSteadyState:              "reachedSteadyState",
	MoveChunkDataCommitted:                   "chunkDataCommitted",
	MoveChunkCommitted:                       "committed",
}

// Fails to compile if the table and the constants disagree.
var _ = [1]struct{}{}[len(moveChunkNames)-1-int(MoveChunkCommitted)]

// MoveChunk is the donor-side moveChunk sequence.
var MoveChunk = newSequence[MoveChunkStep](
	"moveChunk",
	"MoveChunk",
	"moveChunkHangAtStep",
	moveChunkNames[:],
)

func (s MoveChunkStep) String() string {
	return MoveChunk.Name(s)
}
