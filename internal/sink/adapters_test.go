package sink

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/segmentio/kafka-go"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/storage"
)

// --- MQTT ---

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMQTTClient struct {
	topics   []string
	payloads [][]byte
	qos      byte
	retained bool
	err      error
	token    mqtt.Token
	quiesced bool
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	c.qos, c.retained = qos, retained
	if c.token != nil {
		return c.token
	}
	return doneToken(c.err)
}

func (c *fakeMQTTClient) Disconnect(uint) { c.quiesced = true }

// TestMQTTPublish tests topic naming and payload encoding
func TestMQTTPublish(t *testing.T) {
	client := &fakeMQTTClient{}
	m := &MQTT{client: client, config: MQTTConfig{TopicPrefix: "farm/rig1", QoS: 1, Retain: true}}

	n := notice.ReadOk(rig.SensorReading{ID: rig.SensorB, Value: 63})
	if err := m.Publish(context.Background(), n); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if client.topics[0] != "farm/rig1/notices/sensor_read_ok" {
		t.Errorf("Topic mismatch: got %s", client.topics[0])
	}
	if client.qos != 1 || !client.retained {
		t.Errorf("QoS/retain mismatch: %d %v", client.qos, client.retained)
	}

	var decoded notice.Notice
	if err := json.Unmarshal(client.payloads[0], &decoded); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if decoded.ID != n.ID || decoded.Reading == nil || decoded.Reading.Value != 63 {
		t.Errorf("Payload mismatch: %+v", decoded)
	}

	m.Close()
	if !client.quiesced {
		t.Error("Expected Disconnect on Close")
	}
}

// TestMQTTPublishErrors tests broker errors and context expiry
func TestMQTTPublishErrors(t *testing.T) {
	client := &fakeMQTTClient{err: errors.New("not connected")}
	m := &MQTT{client: client, config: MQTTConfig{TopicPrefix: "rigpanel"}}
	if err := m.Publish(context.Background(), notice.ReadMissing(rig.SensorA)); err == nil {
		t.Error("Expected broker error")
	}

	client.token = &fakeToken{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Publish(ctx, notice.ReadMissing(rig.SensorA)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context canceled, got %v", err)
	}
}

// --- Kafka ---

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

// TestKafkaPublish tests that messages are keyed by notice kind
func TestKafkaPublish(t *testing.T) {
	w := &fakeKafkaWriter{}
	k := &Kafka{writer: w}

	n := notice.Failed(rig.ServoPosition(rig.PlantB), errors.New("denied"))
	if err := k.Publish(context.Background(), n); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != string(notice.CommandFailed) {
		t.Errorf("Key mismatch: got %s", w.msgs[0].Key)
	}
	if !w.msgs[0].Time.Equal(n.Timestamp) {
		t.Errorf("Time mismatch: got %v", w.msgs[0].Time)
	}

	k.Close()
	if !w.closed {
		t.Error("Expected writer to be closed")
	}
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	if _, err := NewKafka(KafkaConfig{Topic: "x"}); err == nil {
		t.Error("Expected error without brokers")
	}
}

// --- Influx ---

type fakePointWriter struct {
	points []*write.Point
}

func (w *fakePointWriter) WritePoint(ctx context.Context, point ...*write.Point) error {
	w.points = append(w.points, point...)
	return nil
}

// TestInfluxPoints tests which notices become points
func TestInfluxPoints(t *testing.T) {
	w := &fakePointWriter{}
	s := &Influx{writer: w}
	ctx := context.Background()
	ls := int64(100)

	s.Publish(ctx, notice.ReadOk(rig.SensorReading{ID: rig.SensorA, Value: 12}))
	s.Publish(ctx, notice.ReadFailed(rig.SensorA, errors.New("x")))
	s.Publish(ctx, notice.Liveness(rig.LivenessVerdict{LastSeen: &ls, AsOf: 104, Status: rig.StatusOn}, nil))
	s.Publish(ctx, notice.Applied(rig.MoistureThreshold(30)))

	if len(w.points) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(w.points))
	}

	want := []string{MeasurementMoisture, MeasurementLiveness, MeasurementCommand}
	for i, p := range w.points {
		if p.Name() != want[i] {
			t.Errorf("Point %d name mismatch: got %s, want %s", i, p.Name(), want[i])
		}
	}

	tags := w.points[0].TagList()
	if len(tags) != 1 || tags[0].Key != "sensor" || tags[0].Value != "A" {
		t.Errorf("Sensor tag mismatch: %+v", tags)
	}

	fields := map[string]interface{}{}
	for _, f := range w.points[1].FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["on"] != true {
		t.Errorf("Liveness on field mismatch: %v", fields["on"])
	}
	if fields["heartbeat_age"] != int64(4) {
		t.Errorf("Heartbeat age mismatch: %v", fields["heartbeat_age"])
	}
}

func TestNewInfluxIncomplete(t *testing.T) {
	if _, err := NewInflux(InfluxConfig{URL: "http://localhost:8086"}); err == nil {
		t.Error("Expected error for missing org and bucket")
	}
}

// --- Modbus ---

type fakeRegisterWriter struct {
	writes [][]uint16
	unitID uint8
	addr   uint16
}

func (w *fakeRegisterWriter) WriteRegisters(unitID uint8, addr uint16, regs []uint16) error {
	w.unitID, w.addr = unitID, addr
	cp := make([]uint16, len(regs))
	copy(cp, regs)
	w.writes = append(w.writes, cp)
	return nil
}

func (w *fakeRegisterWriter) Close() error { return nil }

// TestModbusMirror tests the register block as notices arrive
func TestModbusMirror(t *testing.T) {
	w := &fakeRegisterWriter{}
	m := newModbus(w, ModbusConfig{UnitID: 3, Address: 100})
	ctx := context.Background()

	for i, r := range m.Registers() {
		if r != RegUnknown {
			t.Errorf("Register %d should start unknown, got %d", i, r)
		}
	}

	m.Publish(ctx, notice.ReadOk(rig.SensorReading{ID: rig.SensorB, Value: 55}))
	m.Publish(ctx, notice.ReadFailed(rig.SensorB, errors.New("x")))
	ls := int64(1000)
	m.Publish(ctx, notice.Liveness(rig.LivenessVerdict{LastSeen: &ls, AsOf: 1003, Status: rig.StatusOn}, nil))
	m.Publish(ctx, notice.Applied(rig.PumpState(true)))
	m.Publish(ctx, notice.Failed(rig.MoistureThreshold(80), errors.New("x")))

	if len(w.writes) != 3 {
		t.Fatalf("Expected 3 writes, got %d", len(w.writes))
	}
	if w.unitID != 3 || w.addr != 100 {
		t.Errorf("Target mismatch: unit %d addr %d", w.unitID, w.addr)
	}

	got := m.Registers()
	want := []uint16{RegUnknown, 55, 1, 3, RegUnknown, 1, RegUnknown}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Register %d mismatch: got %d, want %d", i, got[i], want[i])
		}
	}

	m.Publish(ctx, notice.Liveness(rig.LivenessVerdict{AsOf: 1010, Status: rig.StatusOff}, errors.New("x")))
	got = m.Registers()
	if got[RegDeviceOn] != 0 || got[RegHeartbeatAge] != RegUnknown {
		t.Errorf("Liveness registers mismatch: %v", got)
	}
}

func TestAgeRegister(t *testing.T) {
	tests := []struct {
		age  int64
		want uint16
	}{
		{-5, 0},
		{0, 0},
		{42, 42},
		{70000, RegUnknown - 1},
	}
	for _, tt := range tests {
		if got := ageRegister(tt.age); got != tt.want {
			t.Errorf("ageRegister(%d) = %d, want %d", tt.age, got, tt.want)
		}
	}
}

func TestPackRegisters(t *testing.T) {
	got := packRegisters([]uint16{0x0102, 0xFFFF, 0x0037})
	want := []byte{0x01, 0x02, 0xFF, 0xFF, 0x00, 0x37}
	if string(got) != string(want) {
		t.Errorf("packRegisters mismatch: got %x, want %x", got, want)
	}
}

// --- History ---

func openHistoryDB(t *testing.T) *storage.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "rigpanel-history-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp db: %v", err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	db, err := storage.Open(tmpFile.Name())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestHistoryRecords tests that notices land in the history tables
func TestHistoryRecords(t *testing.T) {
	db := openHistoryDB(t)
	h := NewHistory(db, 0, false)
	ctx := context.Background()

	ok := notice.ReadOk(rig.SensorReading{ID: rig.SensorA, Value: 47})
	h.Publish(ctx, ok)
	h.Publish(ctx, notice.ReadMissing(rig.SensorB))
	h.Publish(ctx, notice.Liveness(rig.LivenessVerdict{AsOf: 50, Status: rig.StatusOff}, nil))
	h.Publish(ctx, notice.Applied(rig.ServoPosition(rig.PlantB)))
	h.Publish(ctx, notice.Failed(rig.PumpState(false), errors.New("permission denied")))

	readings, err := db.GetReadings("", 10)
	if err != nil {
		t.Fatalf("GetReadings failed: %v", err)
	}
	if len(readings) != 1 || readings[0].Value != 47 || readings[0].NoticeID != ok.ID.String() {
		t.Errorf("Readings mismatch: %+v", readings)
	}

	liveness, _ := db.GetLiveness(10)
	if len(liveness) != 1 || liveness[0].Status != "OFF" || liveness[0].LastSeen != nil {
		t.Errorf("Liveness mismatch: %+v", liveness)
	}

	commands, _ := db.GetCommands(10)
	if len(commands) != 2 {
		t.Fatalf("Expected 2 commands, got %d", len(commands))
	}
	byKind := map[string]*storage.CommandRecord{}
	for _, c := range commands {
		byKind[c.Kind] = c
	}
	if c := byKind[string(rig.KindServoPosition)]; c == nil || !c.Success || c.Value != "1" {
		t.Errorf("Servo command mismatch: %+v", c)
	}
	if c := byKind[string(rig.KindPumpState)]; c == nil || c.Success || c.Value != "false" || c.Error != "permission denied" {
		t.Errorf("Pump command mismatch: %+v", c)
	}

	if err := h.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := db.GetStats(); err != nil {
		t.Errorf("Database should stay open when not owned: %v", err)
	}
}

// TestHistoryPrunes tests retention pruning
func TestHistoryPrunes(t *testing.T) {
	db := openHistoryDB(t)
	h := NewHistory(db, time.Hour, false)
	now := time.Now().UTC()
	h.now = func() time.Time { return now }

	old := notice.ReadOk(rig.SensorReading{ID: rig.SensorA, Value: 1})
	old.Timestamp = now.Add(-2 * time.Hour)
	fresh := notice.ReadOk(rig.SensorReading{ID: rig.SensorA, Value: 2})

	h.record(old)
	h.Publish(context.Background(), fresh)

	readings, _ := db.GetReadings("A", 10)
	if len(readings) != 1 || readings[0].Value != 2 {
		t.Errorf("Expected only the fresh reading, got %+v", readings)
	}
}
