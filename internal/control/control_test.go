package control

import (
	"errors"
	"testing"

	"github.com/googlesky/gleipnird/internal/model"
	"github.com/googlesky/gleipnird/internal/rulesengine"
	"github.com/googlesky/gleipnird/internal/snapshot"
)

type fakeStore struct {
	saved *model.Rules
	err   error
}

func (f *fakeStore) Save(r model.Rules) error {
	if f.err != nil {
		return f.err
	}
	f.saved = &r
	return nil
}

func TestSetRulesInstallsAndPersists(t *testing.T) {
	initial := rulesengine.New(model.RuleTarget{Kind: model.Drop}, nil, nil)
	reader, writer := snapshot.New(initial)
	store := &fakeStore{}
	s := New(writer, store, model.Rules{}, nil)

	r := model.Rules{DefaultTarget: model.RuleTarget{Kind: model.Accept}}
	if err := s.SetRules(r); err != nil {
		t.Fatal(err)
	}

	g := reader.Read()
	defer g.Close()
	if *g.Value() == initial {
		t.Fatal("expected a newly compiled ruleset to replace the initial one")
	}
	if store.saved == nil {
		t.Fatal("expected rules to be persisted")
	}
}

func TestSetRulesRejectsInvalidRules(t *testing.T) {
	initial := rulesengine.New(model.RuleTarget{Kind: model.Drop}, nil, nil)
	reader, writer := snapshot.New(initial)
	store := &fakeStore{}
	s := New(writer, store, model.Rules{}, nil)

	bad := model.Rules{DefaultTarget: model.RuleTarget{Kind: model.RateLimit, RateIdx: 0}}
	if err := s.SetRules(bad); err == nil {
		t.Fatal("expected an out-of-range rate index to be rejected")
	}
	if store.saved != nil {
		t.Fatal("an invalid ruleset must never be persisted")
	}

	g := reader.Read()
	defer g.Close()
	if *g.Value() != initial {
		t.Fatal("a rejected ruleset must not replace the active snapshot")
	}
}

func TestSetRulesReportsPersistenceFailure(t *testing.T) {
	initial := rulesengine.New(model.RuleTarget{Kind: model.Drop}, nil, nil)
	_, writer := snapshot.New(initial)
	store := &fakeStore{err: errors.New("disk full")}
	s := New(writer, store, model.Rules{}, nil)

	if err := s.SetRules(model.Rules{}); err == nil {
		t.Fatal("expected the persistence error to propagate")
	}
}
