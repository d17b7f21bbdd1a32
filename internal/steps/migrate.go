package steps

// MigrateStep is a checkpoint of a recipient shard's migrate thread.
type MigrateStep int

const (
	MigrateDeletedPriorDataInRange MigrateStep = iota + 1
	MigrateCopiedIndexes
	MigrateRangeDeletionTaskScheduled
	MigrateCloned
	MigrateCatchup
	MigrateSteady
	MigrateDone
)

var migrateNames = [...]string{
	MigrateDeletedPriorDataInRange:    "deletedPriorDataInRange",
	MigrateCopiedIndexes:              "copiedIndexes",
	MigrateRangeDeletionTaskScheduled: "rangeDeletionTaskScheduled",
	MigrateCloned:                     "cloned",
	MigrateCatchup:                    "catchup",
	MigrateSteady:                     "steady",
	MigrateDone:                       "done",
}

var _ = [1]struct{}{}[len(migrateNames)-1-int(MigrateDone)]

// Migrate is the recipient-side migrate thread sequence.
var Migrate = newSequence[MigrateStep](
	"migrateThread",
	"migrateThread",
	"migrateThreadHangAtStep",
	migrateNames[:],
)

func (s MigrateStep) String() string {
	return Migrate.Name(s)
}
