package words

import (
	"context"
	"math/rand"
	"strings"
	"sync"

	apperrors "github.com/typerush/typerush/pkg/errors"
)

// Mode distinguishes how a session bounds itself.
type Mode string

// Supported session modes.
const (
	ModeTime  Mode = "time"
	ModeWords Mode = "words"
)

// Request describes the reference text a session needs.
type Request struct {
	ListID   string
	Language string
	Count    int
	Mode     Mode
}

// Source produces ordered target tokens for a session's reference text.
// The engine treats the result as immutable for the session lifetime.
type Source interface {
	Fetch(ctx context.Context, req Request) ([]string, error)
}

// DefaultLanguage is assumed when a request does not name one.
const DefaultLanguage = "english"

// englishCommon is the built-in fallback list, a subset of the most common
// english words used by the stock word lists.
var englishCommon = strings.Fields(`
the be to of and a in that have it for not on with he as you do at this but
his by from they we say her she or an will my one all would there their what
so up out if about who get which go me when make can like time no just him
know take people into year your good some could them see other than then now
look only come its over think also back after use two how our work first well
way even new want because any these give day most us is was are been has had
were said did get may part find long down side feel fact hand high place keep
great same small every large next early young few public bad able water call
world still life last right mean old see man here thing tell ask point try
leave end why let great help turn start show hear play run move live believe
hold bring happen write provide sit stand lose pay meet include continue set
learn change lead understand watch follow stop create speak read allow add
spend grow open walk win offer remember love consider appear buy wait serve
die send expect build stay fall cut reach kill remain
`)

// StaticSource serves word lists from in-memory tables. It backs single-node
// deployments and every test; production deployments swap in a provider that
// proxies the word-list service behind the same interface.
type StaticSource struct {
	mu    sync.RWMutex
	lists map[string][]string
	rng   *rand.Rand
}

// NewStaticSource builds a StaticSource seeded with the built-in english list.
func NewStaticSource(seed int64) *StaticSource {
	return &StaticSource{
		lists: map[string][]string{
			DefaultLanguage: englishCommon,
		},
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Register installs or replaces a named word list.
func (s *StaticSource) Register(listID string, tokens []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpy := make([]string, len(tokens))
	copy(cpy, tokens)
	s.lists[listID] = cpy
}

// Fetch returns Count tokens drawn from the requested list, sampling with
// replacement so short lists can still fill long tests.
func (s *StaticSource) Fetch(_ context.Context, req Request) ([]string, error) {
	listID := req.ListID
	if listID == "" {
		listID = req.Language
	}
	if listID == "" {
		listID = DefaultLanguage
	}

	s.mu.RLock()
	list, ok := s.lists[listID]
	s.mu.RUnlock()

	if !ok || len(list) == 0 {
		return nil, apperrors.ErrNoWordlists
	}

	count := req.Count
	if count <= 0 {
		count = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := make([]string, count)
	for i := range tokens {
		tokens[i] = list[s.rng.Intn(len(list))]
	}
	return tokens, nil
}

// ReferenceText is the immutable target text judged against every keystroke.
type ReferenceText struct {
	Tokens []string
	Joined string
}

// NewReferenceText joins tokens with single spaces, the character model used
// for correctness judging and metrics.
func NewReferenceText(tokens []string) ReferenceText {
	return ReferenceText{
		Tokens: tokens,
		Joined: strings.Join(tokens, " "),
	}
}

// Len reports the total character count of the joined form.
func (r ReferenceText) Len() int {
	return len(r.Joined)
}

// CharAt returns the reference character at the provided position, or zero
// when the position is out of range.
func (r ReferenceText) CharAt(pos int) (byte, bool) {
	if pos < 0 || pos >= len(r.Joined) {
		return 0, false
	}
	return r.Joined[pos], true
}
