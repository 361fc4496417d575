package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rostersync/internal/hub"
	"rostersync/internal/model"
	"rostersync/internal/protocol"
	"rostersync/internal/roster"
)

func startRelay(t *testing.T) (*roster.Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := roster.NewStore(8)
	h := hub.New(store, 32)
	go h.Run()
	t.Cleanup(h.Stop)

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(h, c.Writer, c.Request)
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return store, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func connect(t *testing.T, url, name string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := Dial(ctx, url, protocol.IdentifyDevice{DeviceType: "test", DeviceName: name}, 0)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestEndToEndSync(t *testing.T) {
	store, url := startRelay(t)
	_, err := store.AddStudent(model.Student{ID: "1", FullName: "Preexisting"})
	require.NoError(t, err)

	deviceA := connect(t, url, "device-a")
	deviceB := connect(t, url, "device-b")

	// Connect handshake primes both mirrors.
	require.Eventually(t, func() bool {
		return len(deviceA.Reconciler.Dataset().Students) == 1 &&
			len(deviceB.Reconciler.Dataset().Students) == 1
	}, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	st, err := deviceA.Reconciler.AddStudent(ctx, model.Student{ID: "2024001", FullName: "Ahmed Ali"})
	require.NoError(t, err)
	assert.False(t, st.CreatedAt.IsZero())

	// Device B converges via the broadcast sync.
	require.Eventually(t, func() bool {
		return len(deviceB.Reconciler.Dataset().Students) == 2
	}, 3*time.Second, 10*time.Millisecond)

	quiz := 8
	entry, err := deviceA.Reconciler.MarkAttendance(ctx, protocol.MarkAttendance{
		StudentID:  "2024001",
		Session:    1,
		Attendance: model.AttendancePresent,
		Quiz:       &quiz,
		Date:       "1/15/2024",
	})
	require.NoError(t, err)
	assert.Equal(t, "1/15/2024", entry.Date)

	require.Eventually(t, func() bool {
		ds := deviceB.Reconciler.Dataset()
		return len(ds.AttendanceLogs) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEndToEndDuplicateAdd(t *testing.T) {
	store, url := startRelay(t)
	_, err := store.AddStudent(model.Student{ID: "2024001", FullName: "Ahmed Ali"})
	require.NoError(t, err)

	device := connect(t, url, "device")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err = device.Reconciler.AddStudent(ctx, model.Student{ID: "2024001", FullName: "Impostor"})
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Contains(t, opErr.Reason, "duplicate-id:")
}

func TestEndToEndOfflineAdoption(t *testing.T) {
	store, url := startRelay(t)
	device := connect(t, url, "scanner")
	require.Eventually(t, device.Reconciler.Primed, 3*time.Second, 10*time.Millisecond)

	// Student added while offline lives only in the local mirror.
	device.Reconciler.ReplaceLocal(model.Dataset{
		Students: []model.Student{{ID: "offline-1", FullName: "Added Offline"}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	st, err := device.Reconciler.Scan(ctx, "offline-1")
	require.NoError(t, err)
	assert.True(t, st.SyncedFromClient)

	snap := store.Snapshot()
	require.Len(t, snap.Students, 1)
	assert.Equal(t, model.ID("offline-1"), snap.Students[0].ID)
	require.Len(t, snap.StudentRecords, 1)
}

func TestEndToEndLastWriterWins(t *testing.T) {
	_, url := startRelay(t)
	deviceA := connect(t, url, "device-a")
	deviceB := connect(t, url, "device-b")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := deviceA.Reconciler.AddStudent(ctx, model.Student{ID: "X", FullName: "From Device A"})
	require.NoError(t, err)

	// Let the broadcast land before overwriting B's local mirror.
	require.Eventually(t, func() bool {
		ds := deviceB.Reconciler.Dataset()
		return len(ds.Students) == 1 && ds.Students[0].FullName == "From Device A"
	}, 3*time.Second, 10*time.Millisecond)

	// Device B pushes a whole dataset built without A's edit.
	deviceB.Reconciler.ReplaceLocal(model.Dataset{
		Students: []model.Student{{ID: "X", FullName: "From Device B"}},
	})
	committed, err := deviceB.Reconciler.PushDataset(ctx)
	require.NoError(t, err)
	require.Len(t, committed.Students, 1)
	assert.Equal(t, "From Device B", committed.Students[0].FullName)

	// A's edit is gone after the next sync reaches it. The loss is the
	// documented last-writer-wins behavior, not a defect to prevent.
	require.Eventually(t, func() bool {
		ds := deviceA.Reconciler.Dataset()
		return len(ds.Students) == 1 && ds.Students[0].FullName == "From Device B"
	}, 3*time.Second, 10*time.Millisecond)
}
