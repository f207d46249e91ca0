package conversation

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "modernc.org/sqlite"
)

// fakeClock is a settable clock shared by a store under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)}
}

type storeFactory func(t *testing.T, opts Options) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, opts Options) Store {
			return NewMemoryStore(opts)
		},
		"sqlite": func(t *testing.T, opts Options) Store {
			t.Helper()
			db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "conversations.db"))
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			s, err := NewSQLiteStoreDB(db, opts)
			if err != nil {
				t.Fatalf("NewSQLiteStoreDB: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// forEachStore runs a contract test against every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store, clock *fakeClock)) {
	for name, f := range factories() {
		t.Run(name, func(t *testing.T) {
			clock := newClock()
			s := f(t, Options{Now: clock.Now})
			fn(t, s, clock)
		})
	}
}

func TestCreate_Defaults(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *fakeClock) {
		conv, err := s.Create("", "")
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		if conv.SessionID != DefaultSession {
			t.Errorf("SessionID = %q, want %q", conv.SessionID, DefaultSession)
		}
		if conv.Title != DefaultTitle {
			t.Errorf("Title = %q, want %q", conv.Title, DefaultTitle)
		}
		if !strings.HasPrefix(conv.ID, "conv_20261017_093000_") {
			t.Errorf("ID = %q, want conv_YYYYMMDD_HHMMSS_ffffff", conv.ID)
		}
	})
}

func TestCreate_UniqueIDsWithinSameInstant(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *fakeClock) {
		seen := map[string]bool{}
		for i := 0; i < 5; i++ {
			conv, err := s.Create("s", "")
			if err != nil {
				t.Fatalf("Create() error: %v", err)
			}
			if seen[conv.ID] {
				t.Fatalf("duplicate id %q", conv.ID)
			}
			seen[conv.ID] = true
		}
	})
}

func TestAppend_PreservesOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		conv, _ := s.Create("s1", "")
		const n = 12
		for i := 0; i < n; i++ {
			var turn Turn
			switch i % 3 {
			case 0:
				turn = UserTurn(fmt.Sprintf("question %d", i))
			case 1:
				turn = ToolTurn("query_cur_data", map[string]any{"query": fmt.Sprintf("q%d", i)}, `{"rowCount":1}`)
			default:
				turn = AssistantTurn(fmt.Sprintf("answer %d", i))
			}
			if err := s.Append(conv.ID, turn); err != nil {
				t.Fatalf("Append(%d) error: %v", i, err)
			}
			clock.Advance(time.Second)
		}

		got, err := s.Get(conv.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if len(got.Turns) != n {
			t.Fatalf("len(Turns) = %d, want %d", len(got.Turns), n)
		}
		for i, turn := range got.Turns {
			switch i % 3 {
			case 0:
				if turn.Role != RoleUser || turn.Content != fmt.Sprintf("question %d", i) {
					t.Errorf("turn %d = %+v", i, turn)
				}
			case 1:
				if turn.Role != RoleTool || turn.ToolInput["query"] != fmt.Sprintf("q%d", i) {
					t.Errorf("turn %d = %+v", i, turn)
				}
			default:
				if turn.Role != RoleAssistant || turn.Content != fmt.Sprintf("answer %d", i) {
					t.Errorf("turn %d = %+v", i, turn)
				}
			}
		}
	})
}

func TestAppend_UnknownConversation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *fakeClock) {
		err := s.Append("conv_missing", UserTurn("hi"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Append() error = %v, want ErrNotFound", err)
		}
	})
}

func TestAppend_TitleFromFirstUserTurn(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *fakeClock) {
		conv, _ := s.Create("s1", "")
		long := strings.Repeat("x", 60)
		s.Append(conv.ID, UserTurn(long))
		s.Append(conv.ID, UserTurn("second question"))

		got, _ := s.Get(conv.ID)
		want := strings.Repeat("x", 50) + "..."
		if got.Title != want {
			t.Errorf("Title = %q, want %q", got.Title, want)
		}
	})
}

func TestList_NewestFirstWithPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		var ids []string
		for i := 0; i < 4; i++ {
			conv, _ := s.Create("s", "")
			ids = append(ids, conv.ID)
			clock.Advance(time.Minute)
		}
		// Touch the oldest so it becomes the most recent.
		s.Append(ids[0], UserTurn("bump"))

		all, err := s.List(50, 0)
		if err != nil {
			t.Fatalf("List() error: %v", err)
		}
		want := []string{ids[0], ids[3], ids[2], ids[1]}
		if len(all) != len(want) {
			t.Fatalf("List() len = %d, want %d", len(all), len(want))
		}
		for i := range want {
			if all[i].ID != want[i] {
				t.Errorf("List()[%d] = %s, want %s", i, all[i].ID, want[i])
			}
		}
		if all[0].MessageCount != 1 {
			t.Errorf("MessageCount = %d, want 1", all[0].MessageCount)
		}

		paged, _ := s.List(2, 1)
		if len(paged) != 2 || paged[0].ID != ids[3] || paged[1].ID != ids[2] {
			t.Errorf("List(2,1) = %+v", paged)
		}
		if empty, _ := s.List(10, 10); len(empty) != 0 {
			t.Errorf("List(10,10) len = %d, want 0", len(empty))
		}
	})
}

func TestDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *fakeClock) {
		conv, _ := s.Create("s", "")
		s.Append(conv.ID, UserTurn("hello"))

		if err := s.Delete(conv.ID); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if _, err := s.Get(conv.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
		}
		if list, _ := s.List(0, 0); len(list) != 0 {
			t.Errorf("List() after Delete len = %d, want 0", len(list))
		}
		if err := s.Delete(conv.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second Delete() error = %v, want ErrNotFound", err)
		}
	})
}

func TestRetentionExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		conv, _ := s.Create("s", "")
		clock.Advance(7*24*time.Hour + time.Minute)

		if _, err := s.Get(conv.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() after retention error = %v, want ErrNotFound", err)
		}
		if err := s.Append(conv.ID, UserTurn("late")); !errors.Is(err, ErrNotFound) {
			t.Errorf("Append() after retention error = %v, want ErrNotFound", err)
		}
	})
}

func TestPurge(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		old, _ := s.Create("s", "")
		clock.Advance(3 * 24 * time.Hour)
		fresh, _ := s.Create("s", "")

		n, err := s.Purge(2 * 24 * time.Hour)
		if err != nil {
			t.Fatalf("Purge() error: %v", err)
		}
		if n != 1 {
			t.Errorf("Purge() = %d, want 1", n)
		}
		if _, err := s.Get(old.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("old conversation still present: %v", err)
		}
		if _, err := s.Get(fresh.ID); err != nil {
			t.Errorf("fresh conversation purged: %v", err)
		}
	})
}

func TestSessionPointer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		first, err := Current(s, "browser-1")
		if err != nil {
			t.Fatalf("Current() error: %v", err)
		}
		again, _ := Current(s, "browser-1")
		if again.ID != first.ID {
			t.Errorf("Current() = %s, want same conversation %s", again.ID, first.ID)
		}

		clock.Advance(25 * time.Hour)
		if id, _ := s.SessionConversation("browser-1"); id != "" {
			t.Errorf("SessionConversation() after TTL = %q, want empty", id)
		}
		next, _ := Current(s, "browser-1")
		if next.ID == first.ID {
			t.Error("Current() after TTL should start a new conversation")
		}

		s.ClearSession("browser-1")
		if id, _ := s.SessionConversation("browser-1"); id != "" {
			t.Errorf("SessionConversation() after clear = %q", id)
		}
	})
}

func TestToolTurn_CapsOutput(t *testing.T) {
	big := strings.Repeat("a", 5000)

	capped := ToolTurn("query_cur_data", nil, big)
	if len(capped.ToolOutput) != MaxToolOutput {
		t.Errorf("len(ToolOutput) = %d, want %d", len(capped.ToolOutput), MaxToolOutput)
	}

	full := ToolTurn("create_visualization", nil, big)
	if len(full.ToolOutput) != len(big) {
		t.Errorf("visualization output truncated to %d", len(full.ToolOutput))
	}
}

func TestOpen_FallsBackToMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does", "not", "exist", "conv.db")
	s := Open(path, Options{}, nil)
	defer s.Close()

	if s.Durable() {
		t.Fatal("Open() on unreachable path should return the in-memory store")
	}
	conv, err := s.Create("", "")
	if err != nil {
		t.Fatalf("Create() on fallback error: %v", err)
	}
	if err := s.Append(conv.ID, UserTurn("still works")); err != nil {
		t.Fatalf("Append() on fallback error: %v", err)
	}
}

func TestAppend_RollsBackOnInsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS conversations").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLiteStoreDB(db, Options{Now: newClock().Now})
	if err != nil {
		t.Fatalf("NewSQLiteStoreDB: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT title FROM conversations").
		WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow(DefaultTitle))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(1))
	mock.ExpectExec("INSERT INTO turns").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err = s.Append("conv_x", UserTurn("hi"))
	if err == nil || !strings.Contains(err.Error(), "insert turn") {
		t.Fatalf("Append() error = %v, want wrapped insert error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
