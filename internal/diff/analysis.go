package diff

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Analysis of blocks larger than this many line pairs is skipped; the block
// still reports its counts, only the intra-block mapping is left empty.
const largeBlockThreshold = 10000

// Pairing below this similarity ratio is not worth presenting.
const minimumRatio = 0.5

var tokenPattern = regexp.MustCompile(`[0-9]+|[A-Z][a-z]+|[A-Z]+|[a-z]+|[\[\]{}()]|\s+|.`)

type token struct {
	text   string
	offset int // byte offset into the undecoded line
}

func tokenize(line string) []token {
	matches := tokenPattern.FindAllStringIndex(line, -1)
	tokens := make([]token, len(matches))
	for i, m := range matches {
		tokens[i] = token{text: line[m[0]:m[1]], offset: m[0]}
	}
	return tokens
}

func tokenTexts(tokens []token) []string {
	texts := make([]string, len(tokens))
	for i, t := range tokens {
		texts[i] = t.text
	}
	return texts
}

// similarity is 2·matching/(len(old)+len(new)) counted in bytes over the
// longest common subsequence of tokens. For a long old line whose match
// collapses to at most two anchor blocks, it is matching/len(old) instead,
// so a short extracted fragment still ranks the originating line highly.
func similarity(oldTokens, newTokens []token, oldLen, newLen int) float64 {
	if oldLen+newLen == 0 {
		return 1
	}
	matcher := difflib.NewMatcher(tokenTexts(oldTokens), tokenTexts(newTokens))
	matching := 0
	blocks := 0
	for _, block := range matcher.GetMatchingBlocks() {
		if block.Size == 0 {
			continue
		}
		blocks++
		for k := 0; k < block.Size; k++ {
			matching += len(oldTokens[block.A+k].text)
		}
	}
	if blocks <= 2 && oldLen > 2*newLen && oldLen > 0 {
		return float64(matching) / float64(oldLen)
	}
	return 2 * float64(matching) / float64(oldLen+newLen)
}

type linePair struct {
	oldIndex int
	newIndex int
	ratio    float64
}

// Analyze pairs the deleted and inserted lines of a replace block and
// returns the analysis string: `A=B[:ops]` entries joined by `;`, with ops
// being `,`-separated tokens r<i1>-<i2>=<j1>-<j2>, d<i1>-<i2>, i<j1>-<j2>,
// ws and eol. Pure deletes, pure inserts and oversized blocks yield "".
func Analyze(deleted, inserted []string, eolDiffers bool) string {
	if len(deleted) == 0 || len(inserted) == 0 {
		return ""
	}
	if len(deleted)*len(inserted) > largeBlockThreshold {
		return ""
	}

	oldTokens := make([][]token, len(deleted))
	for i, line := range deleted {
		oldTokens[i] = tokenize(line)
	}
	newTokens := make([][]token, len(inserted))
	for j, line := range inserted {
		newTokens[j] = tokenize(line)
	}

	var candidates []linePair
	for i := range deleted {
		for j := range inserted {
			ratio := similarity(oldTokens[i], newTokens[j], len(deleted[i]), len(inserted[j]))
			if ratio >= minimumRatio {
				candidates = append(candidates, linePair{oldIndex: i, newIndex: j, ratio: ratio})
			}
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].ratio != candidates[b].ratio {
			return candidates[a].ratio > candidates[b].ratio
		}
		if candidates[a].oldIndex != candidates[b].oldIndex {
			return candidates[a].oldIndex < candidates[b].oldIndex
		}
		return candidates[a].newIndex < candidates[b].newIndex
	})

	oldPaired := make([]bool, len(deleted))
	newPaired := make([]bool, len(inserted))
	var accepted []linePair
	accept := func(pair linePair) {
		oldPaired[pair.oldIndex] = true
		newPaired[pair.newIndex] = true
		accepted = append(accepted, pair)
		sort.Slice(accepted, func(a, b int) bool { return accepted[a].oldIndex < accepted[b].oldIndex })
	}
	for _, pair := range candidates {
		if oldPaired[pair.oldIndex] || newPaired[pair.newIndex] {
			continue
		}
		if !monotone(accepted, pair) {
			continue
		}
		accept(pair)
	}

	// Remaining structurally identical lines (equal after trim) join in when
	// consistent with the accepted pairs.
	for i := range deleted {
		if oldPaired[i] {
			continue
		}
		trimmedOld := strings.TrimSpace(deleted[i])
		for j := range inserted {
			if newPaired[j] || trimmedOld != strings.TrimSpace(inserted[j]) {
				continue
			}
			pair := linePair{oldIndex: i, newIndex: j, ratio: 1}
			if monotone(accepted, pair) {
				accept(pair)
				break
			}
		}
	}

	if len(accepted) == 0 {
		return ""
	}

	lastOld, lastNew := len(deleted)-1, len(inserted)-1
	entries := make([]string, 0, len(accepted))
	for _, pair := range accepted {
		oldLine, newLine := deleted[pair.oldIndex], inserted[pair.newIndex]
		entry := fmt.Sprintf("%d=%d", pair.oldIndex, pair.newIndex)
		var ops []string
		whitespaceOnly := oldLine != newLine && stripWhitespace(oldLine) == stripWhitespace(newLine)
		if whitespaceOnly {
			ops = append(ops, "ws")
		}
		if oldLine != newLine {
			ops = append(ops, editOps(oldLine, newLine, oldTokens[pair.oldIndex], newTokens[pair.newIndex])...)
		}
		if eolDiffers && pair.oldIndex == lastOld && pair.newIndex == lastNew &&
			stripWhitespace(oldLine) == stripWhitespace(newLine) {
			ops = append(ops, "eol")
		}
		if len(ops) > 0 {
			entry += ":" + strings.Join(ops, ",")
		}
		entries = append(entries, entry)
	}
	return strings.Join(entries, ";")
}

func monotone(accepted []linePair, pair linePair) bool {
	for _, other := range accepted {
		if (pair.oldIndex < other.oldIndex) != (pair.newIndex < other.newIndex) {
			return false
		}
	}
	return true
}

func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\v', '\f', '\r':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// editOps encodes the token-level opcodes between two lines as byte-range
// operations. When no token matches at all, a character-level diff gives a
// finer result than one whole-line replace.
func editOps(oldLine, newLine string, oldTokens, newTokens []token) []string {
	matcher := difflib.NewMatcher(tokenTexts(oldTokens), tokenTexts(newTokens))
	opcodes := matcher.GetOpCodes()

	wholeLine := len(opcodes) == 1 && opcodes[0].Tag == 'r'
	if wholeLine && len(oldTokens) > 1 && len(newTokens) > 1 {
		return charOps(oldLine, newLine)
	}

	var ops []string
	for _, opcode := range opcodes {
		switch opcode.Tag {
		case 'r':
			ops = append(ops, fmt.Sprintf("r%d-%d=%d-%d",
				tokenStart(oldTokens, opcode.I1), tokenEnd(oldLine, oldTokens, opcode.I2),
				tokenStart(newTokens, opcode.J1), tokenEnd(newLine, newTokens, opcode.J2)))
		case 'd':
			ops = append(ops, fmt.Sprintf("d%d-%d",
				tokenStart(oldTokens, opcode.I1), tokenEnd(oldLine, oldTokens, opcode.I2)))
		case 'i':
			ops = append(ops, fmt.Sprintf("i%d-%d",
				tokenStart(newTokens, opcode.J1), tokenEnd(newLine, newTokens, opcode.J2)))
		}
	}
	return ops
}

// charOps produces byte-range operations from a character-level diff.
func charOps(oldLine, newLine string) []string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldLine, newLine, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var ops []string
	oldPos, newPos := 0, 0
	i := 0
	for i < len(diffs) {
		d := diffs[i]
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			oldPos += len(d.Text)
			newPos += len(d.Text)
			i++
		case diffmatchpatch.DiffDelete:
			oldEnd := oldPos + len(d.Text)
			if i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffInsert {
				newEnd := newPos + len(diffs[i+1].Text)
				ops = append(ops, fmt.Sprintf("r%d-%d=%d-%d", oldPos, oldEnd, newPos, newEnd))
				oldPos = oldEnd
				newPos = newEnd
				i += 2
				continue
			}
			ops = append(ops, fmt.Sprintf("d%d-%d", oldPos, oldEnd))
			oldPos = oldEnd
			i++
		case diffmatchpatch.DiffInsert:
			newEnd := newPos + len(d.Text)
			ops = append(ops, fmt.Sprintf("i%d-%d", newPos, newEnd))
			newPos = newEnd
			i++
		}
	}
	return ops
}

func tokenStart(tokens []token, index int) int {
	if index >= len(tokens) {
		if len(tokens) == 0 {
			return 0
		}
		last := tokens[len(tokens)-1]
		return last.offset + len(last.text)
	}
	return tokens[index].offset
}

func tokenEnd(line string, tokens []token, index int) int {
	if index <= 0 {
		return 0
	}
	if index > len(tokens) {
		return len(line)
	}
	t := tokens[index-1]
	return t.offset + len(t.text)
}
