package enumerate

import (
	"os"

	"github.com/bararchive/creator/pkg/entry"
)

// hardlinkGroup accumulates paths sharing one inode until expectedLinkCount
// of them have been seen under the included roots (spec.md §3, §4.1 step 4).
type hardlinkGroup struct {
	inode             uint64
	expectedLinkCount int
	paths             []string
	info              os.FileInfo
}

func (e *Enumerator) dispatchHardlink(pass Pass, name string, info os.FileInfo) error {
	id := inodeID(info)
	group, ok := e.hardlinks[id]
	if !ok {
		group = &hardlinkGroup{
			inode:             id,
			expectedLinkCount: int(linkCount(info)),
			info:              info,
		}
		e.hardlinks[id] = group
	}
	group.paths = append(group.paths, name)

	if len(group.paths) >= group.expectedLinkCount {
		delete(e.hardlinks, id)
		e.emitHardlinkGroup(pass, group)
	}
	return nil
}

// emitHardlinkGroup emits one hardlink message per fragment of the group's
// content (a single message when the content fits one fragment), each
// carrying all of the group's paths in visit order (spec.md §8 scenario 3).
func (e *Enumerator) emitHardlinkGroup(pass Pass, group *hardlinkGroup) {
	if len(group.paths) == 0 {
		return
	}
	bounds := fragmentSizes(group.info.Size(), e.cfg.Options.FragmentSize)
	if pass == SumPass {
		e.cfg.Progress.AddTotal(int64(len(group.paths)), group.info.Size())
		return
	}
	for i, b := range bounds {
		e.cfg.Queue.Put(entry.HardlinkMessage{
			Names: append([]string(nil), group.paths...),
			Info:  group.info,
			Fragment: entry.FragmentInfo{
				FragmentNumber: i,
				FragmentCount:  len(bounds),
				FragmentOffset: b.offset,
				FragmentSize:   b.size,
			},
		})
	}
}
