// Package service はルームセッションのコーディネーターを提供します
// クライアントからのコマンドを受け取り、ルームとセッションを更新し、結果をイベントとして配信します
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/speedrace/speedrace-server/internal/idgen"
	"github.com/speedrace/speedrace-server/internal/keylock"
	"github.com/speedrace/speedrace-server/internal/models"
	"github.com/speedrace/speedrace-server/internal/rooms"
	"github.com/speedrace/speedrace-server/internal/sessions"
)

// Outbound はクライアントへの送信とルーム単位のグループ管理を行います
type Outbound interface {
	// Send は1つの接続にイベントを送ります
	Send(connectionId string, evt Event)
	// Broadcast はルームに参加している全接続に送ります。exceptに指定した接続は除きます
	Broadcast(roomId string, evt Event, except string)
	Join(roomId, connectionId string)
	Leave(roomId, connectionId string)
	// CloseRoom はルームのグループを解散します
	CloseRoom(roomId string)
}

// Coordinator はコマンドをルーム単位で直列化して処理します
// 同じルームへの変更と通知は常にルームのロックを持った状態で行うため、通知の順序は変更の順序と一致します
type Coordinator struct {
	rooms    *rooms.Store
	sessions *sessions.Directory
	out      Outbound
	locks    keylock.Locker

	newUserID func() string
	now       func() time.Time
	grace     time.Duration // 切断から退出扱いにするまでの猶予。0なら即退出

	evictMu   sync.Mutex
	evictions map[string]*time.Timer
	closed    bool
}

// Option はCoordinatorの設定を変更します
type Option func(*Coordinator)

// WithDisconnectGrace は切断後に再接続を待つ時間を設定します
func WithDisconnectGrace(d time.Duration) Option {
	return func(c *Coordinator) { c.grace = d }
}

// WithUserIDGenerator はユーザーIDの生成方法を差し替えます
func WithUserIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newUserID = fn }
}

// WithClock はテスト用に時刻の取得方法を差し替えます
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator は新しいCoordinatorを作成します
func NewCoordinator(rs *rooms.Store, sd *sessions.Directory, out Outbound, opts ...Option) *Coordinator {
	c := &Coordinator{
		rooms:     rs,
		sessions:  sd,
		out:       out,
		newUserID: idgen.NewULID,
		now:       time.Now,
		evictions: make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Persisted はルームが永続ストアに保存されているかどうかを返します
func (c *Coordinator) Persisted() bool { return c.persisted() }

func (c *Coordinator) persisted() bool { return c.rooms.Persistent() }

// Close は保留中の退出タイマーをすべて止めます
func (c *Coordinator) Close() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	c.closed = true
	for k, t := range c.evictions {
		t.Stop()
		delete(c.evictions, k)
	}
}

// Handle はコマンドを1つ処理します
// エラーはイベントとして送信元の接続に返され、戻り値でも返します
func (c *Coordinator) Handle(ctx context.Context, connectionId string, cmd Command) error {
	log := logrus.WithFields(logrus.Fields{
		"component":     "coordinator",
		"connection_id": connectionId,
		"command":       cmd.Name(),
	})
	log.Debug("handling command")

	var roomId string
	var err error
	switch cmd := cmd.(type) {
	case CreateRoom:
		err = c.createRoom(ctx, connectionId, cmd)
	case JoinRoom:
		roomId = idgen.NormalizeRoomID(cmd.RoomId)
		err = c.joinRoom(ctx, connectionId, cmd)
	case LeaveRoom:
		err = c.leaveRoom(ctx, connectionId, cmd)
	case StartTest:
		err = c.startTest(ctx, connectionId, cmd)
	case SubmitResult:
		err = c.submitResult(ctx, connectionId, cmd)
	case RestartTest:
		err = c.restartTest(ctx, connectionId, cmd)
	case ReportProgress:
		err = c.reportProgress(ctx, connectionId, cmd)
	case RejoinRoom:
		roomId = idgen.NormalizeRoomID(cmd.RoomId)
		err = c.rejoinRoom(ctx, connectionId, cmd)
	case Disconnect:
		err = c.disconnect(ctx, connectionId)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
	if err == nil {
		return nil
	}

	evt, internal := errorEvent(roomId, err)
	if internal {
		log.WithError(err).Error("command failed")
	} else {
		log.WithError(err).Info("command rejected")
	}
	if _, ok := cmd.(Disconnect); !ok {
		c.out.Send(connectionId, evt)
	}
	return err
}

// OpenRoom はWebSocketを使わずにルームを作成します（HTTP API用）
// 作成者は返された再接続トークンを使い、後からRejoinRoomで接続します
func (c *Coordinator) OpenRoom(ctx context.Context, username string) (*models.Room, string, error) {
	name, err := normalizeUsername(username)
	if err != nil {
		return nil, "", err
	}
	room, err := c.rooms.CreateRoom(ctx, c.newUserID(), name)
	if err != nil {
		return nil, "", err
	}
	return room.Public(), room.RejoinToken(room.AdminId), nil
}

// Room はルームを取得します（HTTP API用）。再接続トークンは含みません
func (c *Coordinator) Room(ctx context.Context, roomId string) (*models.Room, error) {
	id, err := normalizeRoomCode(roomId)
	if err != nil {
		return nil, err
	}
	room, err := c.rooms.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	return room.Public(), nil
}

func (c *Coordinator) createRoom(ctx context.Context, connId string, cmd CreateRoom) error {
	username, err := normalizeUsername(cmd.Username)
	if err != nil {
		return err
	}
	c.leaveCurrent(ctx, connId, "")

	userId := c.newUserID()
	if _, err := c.sessions.Upsert(ctx, userId, username, connId, ""); err != nil {
		return err
	}
	room, err := c.rooms.CreateRoom(ctx, userId, username)
	if err != nil {
		_ = c.sessions.Delete(ctx, userId)
		return err
	}

	unlock := c.locks.Lock(room.RoomId)
	defer unlock()

	if err := c.sessions.AssignRoom(ctx, userId, room.RoomId); err != nil {
		return err
	}
	c.out.Join(room.RoomId, connId)
	view := c.roomView(room, userId)
	view.RejoinToken = room.RejoinToken(userId)
	c.out.Send(connId, Event{Type: EventRoomCreated, Payload: view})
	c.out.Broadcast(room.RoomId, c.participantList(room), "")

	logrus.WithFields(logrus.Fields{"room_id": room.RoomId, "user_id": userId}).Info("room created")
	return nil
}

func (c *Coordinator) joinRoom(ctx context.Context, connId string, cmd JoinRoom) error {
	roomId, err := normalizeRoomCode(cmd.RoomId)
	if err != nil {
		return err
	}
	username, err := normalizeUsername(cmd.Username)
	if err != nil {
		return err
	}
	c.leaveCurrent(ctx, connId, "")

	unlock := c.locks.Lock(roomId)
	defer unlock()

	userId := c.newUserID()
	if _, err := c.sessions.Upsert(ctx, userId, username, connId, roomId); err != nil {
		return err
	}
	room, err := c.rooms.AddParticipant(ctx, roomId, userId, username)
	if err != nil {
		// 参加できなかった場合はセッションを巻き戻す
		_ = c.sessions.Delete(ctx, userId)
		return err
	}

	c.out.Join(roomId, connId)
	view := c.roomView(room, userId)
	view.RejoinToken = room.RejoinToken(userId)
	c.out.Send(connId, Event{Type: EventRoomJoined, Payload: view})
	c.out.Broadcast(roomId, c.participantList(room), "")

	logrus.WithFields(logrus.Fields{"room_id": roomId, "user_id": userId}).Info("participant joined")
	return nil
}

func (c *Coordinator) leaveRoom(ctx context.Context, connId string, cmd LeaveRoom) error {
	s, err := c.actor(ctx, connId, cmd.RoomId, cmd.UserId)
	if err != nil {
		return err
	}
	roomId := s.CurrentRoom

	c.out.Leave(roomId, connId)
	unlock := c.locks.Lock(roomId)
	err = c.removeLocked(ctx, roomId, s.UserId)
	unlock()
	if err != nil && !errors.Is(err, rooms.ErrRoomNotFound) && !errors.Is(err, rooms.ErrParticipantNotFound) {
		return err
	}
	return c.sessions.Delete(ctx, s.UserId)
}

func (c *Coordinator) startTest(ctx context.Context, connId string, cmd StartTest) error {
	s, err := c.actor(ctx, connId, cmd.RoomId, cmd.UserId)
	if err != nil {
		return err
	}
	roomId := s.CurrentRoom

	unlock := c.locks.Lock(roomId)
	defer unlock()

	room, err := c.rooms.StartRound(ctx, roomId, s.UserId)
	if err != nil {
		return err
	}
	c.out.Broadcast(roomId, Event{Type: EventTestStarted, Payload: TestStartedPayload{
		RoomId:       roomId,
		Status:       room.Status,
		Participants: room.Participants,
		IsPersisted:  c.persisted(),
	}}, "")

	logrus.WithFields(logrus.Fields{"room_id": roomId, "participants": len(room.Participants)}).Info("test round started")
	return nil
}

func (c *Coordinator) submitResult(ctx context.Context, connId string, cmd SubmitResult) error {
	s, err := c.actor(ctx, connId, cmd.RoomId, cmd.UserId)
	if err != nil {
		return err
	}
	metrics, err := normalizeMetrics(cmd.Metrics)
	if err != nil {
		return err
	}
	result := models.TestResult{UserId: s.UserId, Metrics: metrics, TestedAt: c.now().UTC()}
	if cmd.TestedAt != nil && !cmd.TestedAt.IsZero() {
		result.TestedAt = cmd.TestedAt.UTC()
	}
	roomId := s.CurrentRoom

	unlock := c.locks.Lock(roomId)
	defer unlock()

	if _, err := c.rooms.AppendOrReplaceResult(ctx, roomId, result); err != nil {
		return err
	}
	c.out.Broadcast(roomId, Event{Type: EventResultReceived, Payload: ResultReceivedPayload{
		RoomId:      roomId,
		Result:      result,
		IsPersisted: c.persisted(),
	}}, "")
	return c.completeLocked(ctx, roomId)
}

func (c *Coordinator) restartTest(ctx context.Context, connId string, cmd RestartTest) error {
	s, err := c.actor(ctx, connId, cmd.RoomId, cmd.UserId)
	if err != nil {
		return err
	}
	roomId := s.CurrentRoom

	unlock := c.locks.Lock(roomId)
	defer unlock()

	room, err := c.rooms.RestartRound(ctx, roomId, s.UserId)
	if err != nil {
		return err
	}
	c.out.Broadcast(roomId, c.participantList(room), "")
	c.out.Broadcast(roomId, Event{Type: EventTestRestarted, Payload: TestRestartedPayload{
		RoomId:       roomId,
		Status:       room.Status,
		Participants: room.Participants,
		IsPersisted:  c.persisted(),
	}}, "")
	return nil
}

func (c *Coordinator) reportProgress(ctx context.Context, connId string, cmd ReportProgress) error {
	s, err := c.actor(ctx, connId, cmd.RoomId, cmd.UserId)
	if err != nil {
		return err
	}
	if !finite(cmd.Progress) || cmd.Progress < 0 || cmd.Progress > 100 {
		return validationError("progress must be between 0 and 100")
	}
	if !finite(cmd.CurrentSpeed) || cmd.CurrentSpeed < 0 {
		return validationError("currentSpeed must be a non-negative number")
	}
	c.out.Broadcast(s.CurrentRoom, Event{Type: EventTestProgress, Payload: ProgressPayload{
		UserId:       s.UserId,
		Phase:        cmd.Phase,
		Progress:     cmd.Progress,
		CurrentSpeed: cmd.CurrentSpeed,
	}}, connId)
	return nil
}

func (c *Coordinator) rejoinRoom(ctx context.Context, connId string, cmd RejoinRoom) error {
	roomId, err := normalizeRoomCode(cmd.RoomId)
	if err != nil {
		return err
	}
	if cmd.UserId == "" {
		return validationError("userId required")
	}
	if cmd.RejoinToken == "" {
		return validationError("rejoinToken required")
	}
	var username string
	if cmd.Username != "" {
		if username, err = normalizeUsername(cmd.Username); err != nil {
			return err
		}
	}
	c.leaveCurrent(ctx, connId, cmd.UserId)

	unlock := c.locks.Lock(roomId)
	defer unlock()

	room, err := c.rooms.GetRoom(ctx, roomId)
	if err != nil {
		return err
	}
	i := room.ParticipantIndex(cmd.UserId)
	if i < 0 {
		return rooms.ErrParticipantNotFound
	}
	// userIdは他の参加者にも見えているので、本人確認は参加時に渡したトークンで行う
	if !room.CheckRejoinToken(cmd.UserId, cmd.RejoinToken) {
		return ErrForbidden
	}
	// 接続中の参加者を別の接続から乗っ取ることはできない
	if room.Participants[i].IsActive {
		if s, err := c.sessions.Get(ctx, cmd.UserId); err == nil && s.ConnectionId != connId {
			return ErrForbidden
		}
	}

	room, err = c.rooms.SetParticipantActive(ctx, roomId, cmd.UserId, true, username)
	if err != nil {
		return err
	}
	c.cancelEviction(roomId, cmd.UserId)

	p := room.Participants[room.ParticipantIndex(cmd.UserId)]
	if _, err := c.sessions.Upsert(ctx, cmd.UserId, p.Username, connId, roomId); err != nil {
		return err
	}
	c.out.Join(roomId, connId)
	c.out.Send(connId, Event{Type: EventRoomRejoined, Payload: c.roomView(room, cmd.UserId)})
	c.out.Broadcast(roomId, c.participantList(room), "")

	logrus.WithFields(logrus.Fields{"room_id": roomId, "user_id": cmd.UserId}).Info("participant rejoined")
	return nil
}

// disconnect は接続の切断を処理します
// 猶予時間が設定されていれば参加者を非アクティブにして再接続を待ち、なければ退出と同じ扱いにします
func (c *Coordinator) disconnect(ctx context.Context, connId string) error {
	s, err := c.sessions.FindByConnection(ctx, connId)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.CurrentRoom == "" {
		return c.sessions.Delete(ctx, s.UserId)
	}
	roomId := s.CurrentRoom
	c.out.Leave(roomId, connId)

	unlock := c.locks.Lock(roomId)
	if c.grace > 0 {
		var room *models.Room
		room, err = c.rooms.SetParticipantActive(ctx, roomId, s.UserId, false, "")
		if err == nil {
			c.out.Broadcast(roomId, c.participantList(room), "")
			c.scheduleEviction(roomId, s.UserId)
		}
	} else {
		err = c.removeLocked(ctx, roomId, s.UserId)
	}
	unlock()

	if err != nil && !errors.Is(err, rooms.ErrRoomNotFound) && !errors.Is(err, rooms.ErrParticipantNotFound) {
		return err
	}
	return c.sessions.Delete(ctx, s.UserId)
}

// leaveCurrent は接続が別のルームに参加していれば先に退出させます
// keepUserIdと同じユーザーのセッションは残します（同じ接続での再参加）
func (c *Coordinator) leaveCurrent(ctx context.Context, connId, keepUserId string) {
	s, err := c.sessions.FindByConnection(ctx, connId)
	if err != nil {
		return
	}
	if keepUserId != "" && s.UserId == keepUserId {
		return
	}
	if s.CurrentRoom != "" {
		c.out.Leave(s.CurrentRoom, connId)
		unlock := c.locks.Lock(s.CurrentRoom)
		if err := c.removeLocked(ctx, s.CurrentRoom, s.UserId); err != nil {
			logrus.WithError(err).WithField("room_id", s.CurrentRoom).Debug("implicit leave")
		}
		unlock()
	}
	_ = c.sessions.Delete(ctx, s.UserId)
}

// removeLocked は参加者を削除して結果を通知します。呼び出し側がルームのロックを持っていること
func (c *Coordinator) removeLocked(ctx context.Context, roomId, userId string) error {
	room, deleted, err := c.rooms.RemoveParticipant(ctx, roomId, userId)
	if err != nil {
		return err
	}
	c.cancelEviction(roomId, userId)

	log := logrus.WithFields(logrus.Fields{"room_id": roomId, "user_id": userId})
	if deleted {
		c.out.Broadcast(roomId, Event{Type: EventRoomClosed, Payload: RoomClosedPayload{RoomId: roomId, IsPersisted: c.persisted()}}, "")
		c.out.CloseRoom(roomId)
		log.Info("last participant left, room closed")
		return nil
	}
	c.out.Broadcast(roomId, c.participantList(room), "")
	log.Info("participant left")

	// 未提出の参加者が抜けたことでラウンドが揃うことがある
	if room.Status == models.StatusTesting {
		return c.completeLocked(ctx, roomId)
	}
	return nil
}

// completeLocked は全員の結果が揃っていれば結果を一度だけ配信します
func (c *Coordinator) completeLocked(ctx context.Context, roomId string) error {
	room, completed, err := c.rooms.CompleteRound(ctx, roomId)
	if err != nil || !completed {
		return err
	}
	c.out.Broadcast(roomId, Event{Type: EventAllResultsReady, Payload: AllResultsPayload{
		RoomId:      roomId,
		Results:     room.TestResults,
		IsPersisted: c.persisted(),
	}}, "")
	logrus.WithFields(logrus.Fields{"room_id": roomId, "results": len(room.TestResults)}).Info("all results ready")
	return nil
}

// actor はコマンドを送った接続のセッションを返します
// コマンドに書かれたroomIdやuserIdがセッションと食い違う場合は拒否します
func (c *Coordinator) actor(ctx context.Context, connId, roomId, userId string) (*models.Session, error) {
	s, err := c.sessions.FindByConnection(ctx, connId)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return nil, ErrNotInRoom
	}
	if err != nil {
		return nil, err
	}
	if s.CurrentRoom == "" {
		return nil, ErrNotInRoom
	}
	if id := idgen.NormalizeRoomID(roomId); id != "" && id != s.CurrentRoom {
		return nil, ErrForbidden
	}
	if userId != "" && userId != s.UserId {
		return nil, ErrForbidden
	}
	return s, nil
}

func evictionKey(roomId, userId string) string { return roomId + "/" + userId }

func (c *Coordinator) scheduleEviction(roomId, userId string) {
	key := evictionKey(roomId, userId)
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.evictions[key]; ok {
		t.Stop()
	}
	c.evictions[key] = time.AfterFunc(c.grace, func() { c.evict(roomId, userId) })
}

func (c *Coordinator) cancelEviction(roomId, userId string) {
	key := evictionKey(roomId, userId)
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	if t, ok := c.evictions[key]; ok {
		t.Stop()
		delete(c.evictions, key)
	}
}

// evict は猶予時間内に戻らなかった参加者を退出させます
func (c *Coordinator) evict(roomId, userId string) {
	c.evictMu.Lock()
	delete(c.evictions, evictionKey(roomId, userId))
	closed := c.closed
	c.evictMu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	unlock := c.locks.Lock(roomId)
	defer unlock()

	room, err := c.rooms.GetRoom(ctx, roomId)
	if err != nil {
		return
	}
	i := room.ParticipantIndex(userId)
	if i < 0 || room.Participants[i].IsActive {
		return
	}
	if err := c.removeLocked(ctx, roomId, userId); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"room_id": roomId, "user_id": userId}).Warn("failed to evict participant")
	}
}
