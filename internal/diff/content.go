package diff

import (
	"bytes"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// FileContent is one side of a content comparison, split into canonical
// lines. Line numbers stored elsewhere are indices into Lines.
type FileContent struct {
	Lines     []string
	Linebreak bool // content ended with a newline
	IsBinary  bool
	Size      int
}

// SplitContent produces the canonical line split used everywhere line
// numbers are stored. Binary content (NUL in the first 8k) is not split.
func SplitContent(data []byte) FileContent {
	fc := FileContent{Size: len(data)}
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		fc.IsBinary = true
		return fc
	}
	if len(data) == 0 {
		fc.Linebreak = true
		return fc
	}
	text := string(data)
	fc.Linebreak = strings.HasSuffix(text, "\n")
	if fc.Linebreak {
		text = text[:len(text)-1]
	}
	fc.Lines = strings.Split(text, "\n")
	return fc
}

// Block is one run of deleted and/or inserted lines. Offset counts the
// unchanged lines between the previous block (or file start) and this one.
type Block struct {
	Index        int
	Offset       int
	DeleteOffset int // old-side line index of the first deleted line
	InsertOffset int // new-side line index of the first inserted line
	Deleted      []string
	Inserted     []string
	Analysis     string
}

func (b *Block) DeleteCount() int { return len(b.Deleted) }
func (b *Block) InsertCount() int { return len(b.Inserted) }

func (b *Block) DeleteLength() int { return totalLength(b.Deleted) }
func (b *Block) InsertLength() int { return totalLength(b.Inserted) }

func totalLength(lines []string) int {
	n := 0
	for _, line := range lines {
		n += len(line)
	}
	return n
}

// FileComparison is the full content comparison of one file pair.
type FileComparison struct {
	Old      FileContent
	New      FileContent
	IsBinary bool
	Blocks   []*Block
}

// CompareContent diffs two file contents into blocks of changed lines.
// Replace blocks get an analysis string from the Analyzer. A binary side
// makes the whole comparison binary.
func CompareContent(oldData, newData []byte) *FileComparison {
	cmp := &FileComparison{
		Old: SplitContent(oldData),
		New: SplitContent(newData),
	}
	if cmp.Old.IsBinary || cmp.New.IsBinary {
		cmp.IsBinary = true
		return cmp
	}

	matcher := difflib.NewMatcher(cmp.Old.Lines, cmp.New.Lines)
	prevOldEnd := 0
	index := 0
	for _, opcode := range matcher.GetOpCodes() {
		if opcode.Tag == 'e' {
			continue
		}
		block := &Block{
			Index:        index,
			Offset:       opcode.I1 - prevOldEnd,
			DeleteOffset: opcode.I1,
			InsertOffset: opcode.J1,
			Deleted:      cmp.Old.Lines[opcode.I1:opcode.I2],
			Inserted:     cmp.New.Lines[opcode.J1:opcode.J2],
		}
		lastBlock := opcode.I2 == len(cmp.Old.Lines) && opcode.J2 == len(cmp.New.Lines)
		eolDiffers := lastBlock && cmp.Old.Linebreak != cmp.New.Linebreak
		block.Analysis = Analyze(block.Deleted, block.Inserted, eolDiffers)
		cmp.Blocks = append(cmp.Blocks, block)
		prevOldEnd = opcode.I2
		index++
	}
	return cmp
}
