package session

import (
	"strconv"
	"strings"
)

// isUnicycle reports whether a vehicle payload describes the unicycle,
// detected the same way the original does: a `"jbm":"unicycle"` field in
// the vehicle JSON. A substring check is used rather than a full JSON
// parse since the server treats vehicle payloads as opaque relay data
// everywhere else.
func isUnicycle(data string) bool {
	return strings.Contains(data, `"jbm":"unicycle"`)
}

func firstFreeCarSlot(cars [maxCars]*Car) int {
	for i, c := range cars {
		if c == nil {
			return i
		}
	}
	return -1
}

// SpawnCar admits a new vehicle for the session, enforcing:
// (carsCount < MaxCars) || (unicycle && AllowUnicycle) || OverSpawn,
// with carsCount measured before the new vehicle is inserted. A unicycle
// is a singleton: spawning a second one frees the session's existing
// unicycle slot first. evicted is the slot id of a unicycle displaced by
// this spawn, or -1 if none was displaced.
func (s *Session) SpawnCar(data string) (id int, accepted bool, evicted int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted = -1
	carsCount := 0
	for _, c := range s.cars {
		if c != nil {
			carsCount++
		}
	}

	uni := isUnicycle(data)
	allowed := carsCount < s.spawnCfg.MaxCars || (uni && s.spawnCfg.AllowUnicycle) || s.spawnCfg.OverSpawn
	if !allowed {
		return 0, false, -1
	}

	if uni && s.uni.id != -1 {
		evicted = s.uni.id
		s.cars[s.uni.id] = nil
	}

	slot := firstFreeCarSlot(s.cars)
	if slot == -1 {
		return 0, false, -1
	}

	s.cars[slot] = &Car{ID: slot, Data: data}
	if uni {
		s.uni = unicycleState{id: slot, packet: data}
	}
	if s.focusCar == -1 {
		s.focusCar = slot
	}
	return slot, true, evicted
}

// DeleteCar removes the vehicle at id, clearing the unicycle singleton if
// it occupied that slot.
func (s *Session) DeleteCar(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= maxCars || s.cars[id] == nil {
		return false
	}
	s.cars[id] = nil
	if s.uni.id == id {
		s.uni = unicycleState{id: -1}
	}
	return true
}

// EditCar replaces the payload of an existing vehicle. Editing the slot
// currently holding the unicycle deletes it instead, mirroring
// Client._edit_car's unicycle branch.
func (s *Session) EditCar(id int, data string) (ok, wasUnicycle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= maxCars || s.cars[id] == nil {
		return false, false
	}
	if s.uni.id == id {
		s.cars[id] = nil
		s.uni = unicycleState{id: -1}
		return true, true
	}
	s.cars[id].Data = data
	return true, false
}

// ResetCar returns the current payload for id unchanged and reports
// whether the slot is occupied; it never mutates the vehicle.
// HandleVehicleCode uses only ok and relays the client's own reset frame.
func (s *Session) ResetCar(id int) (data string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= maxCars || s.cars[id] == nil {
		return "", false
	}
	return s.cars[id].Data, true
}

// ownsCar reports whether slot id is currently occupied, i.e. this
// session is the one that may move its focus to, or report changes on,
// that slot.
func (s *Session) ownsCar(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= maxCars {
		return false
	}
	return s.cars[id] != nil
}

// SetFocusCar and FocusCar track which vehicle slot the client currently
// controls.
func (s *Session) SetFocusCar(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focusCar = id
}

func (s *Session) FocusCar() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focusCar
}

// Cars returns a snapshot of every occupied vehicle slot, in slot order,
// for replay to a newly synced client (Client._connected_handler).
func (s *Session) Cars() []Car {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Car
	for _, c := range s.cars {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// VehicleCode is a single-byte vehicle sub-protocol opcode, carried as the
// second byte of an 'O'-prefixed reliable frame.
type VehicleCode byte

const (
	VehicleSpawn     VehicleCode = 's'
	VehicleDelete    VehicleCode = 'd'
	VehicleEdit      VehicleCode = 'c'
	VehicleReset     VehicleCode = 'r'
	VehicleChanged   VehicleCode = 't' // "broken details": relayed, optionally reports onCarChanged
	VehicleFocusMove VehicleCode = 'm' // client moved its focus car
)

// VehicleOutbound is one payload HandleVehicleCode wants sent, and to
// whom: ToAll broadcasts to every session (ToSelf deciding whether the
// sender itself is included); otherwise the payload goes to the sender
// alone (the reject-path self-replies in Client._spawn_car).
type VehicleOutbound struct {
	Payload string
	ToAll   bool
	ToSelf  bool
}

// VehicleResult describes the outcome of HandleVehicleCode, for the
// caller to deliver each Outbound entry.
type VehicleResult struct {
	CarID    int
	Outbound []VehicleOutbound
}

func odPacket(slot, carID int) string {
	return "Od:" + strconv.Itoa(slot) + "-" + strconv.Itoa(carID)
}

// HandleVehicleCode dispatches one vehicle sub-protocol message, mirroring
// Client._handle_car_codes's switch over s/d/c/r/t/m. raw is the
// complete, unmodified reliable frame as the client sent it (relayed
// verbatim so recipients see exactly the packet format their own game
// client expects); payload is the portion after the parsed car id, used
// for edits that replace a car's stored description.
func (s *Session) HandleVehicleCode(code VehicleCode, carID int, payload, raw string) VehicleResult {
	switch code {
	case VehicleSpawn:
		id, ok, evicted := s.SpawnCar(raw)
		if !ok {
			return VehicleResult{CarID: carID, Outbound: []VehicleOutbound{
				{Payload: raw, ToAll: false},
				{Payload: odPacket(s.Slot(), carID), ToAll: false},
			}}
		}
		var out []VehicleOutbound
		if evicted != -1 {
			out = append(out, VehicleOutbound{Payload: odPacket(s.Slot(), evicted), ToAll: true, ToSelf: true})
		}
		out = append(out, VehicleOutbound{Payload: raw, ToAll: true, ToSelf: true})
		if s.bus != nil {
			args := map[string]any{"nickname": s.Nickname(), "carId": id}
			s.bus.EmitBoth("onCarSpawned", args)
		}
		return VehicleResult{CarID: id, Outbound: out}

	case VehicleDelete:
		ok := s.DeleteCar(carID)
		if !ok {
			return VehicleResult{CarID: carID}
		}
		if s.bus != nil {
			args := map[string]any{"nickname": s.Nickname(), "carId": carID}
			s.bus.EmitBoth("onCarDelete", args)
			s.bus.EmitBoth("onCarDeleted", args)
			s.bus.EmitScripted("onVehicleDeleted", s.Slot(), carID)
		}
		return VehicleResult{CarID: carID, Outbound: []VehicleOutbound{
			{Payload: raw, ToAll: true, ToSelf: true},
			{Payload: odPacket(s.Slot(), carID), ToAll: true, ToSelf: true},
		}}

	case VehicleEdit:
		ok, wasUnicycle := s.EditCar(carID, payload)
		if !ok {
			return VehicleResult{CarID: carID}
		}
		if wasUnicycle {
			return VehicleResult{CarID: carID, Outbound: []VehicleOutbound{
				{Payload: odPacket(s.Slot(), carID), ToAll: true, ToSelf: true},
			}}
		}
		return VehicleResult{CarID: carID, Outbound: []VehicleOutbound{
			{Payload: raw, ToAll: true},
		}}

	case VehicleReset:
		_, ok := s.ResetCar(carID)
		if !ok {
			return VehicleResult{CarID: carID}
		}
		if s.bus != nil {
			args := map[string]any{"nickname": s.Nickname(), "carId": carID}
			s.bus.EmitBoth("onCarReset", args)
			s.bus.EmitScripted("onVehicleReset", s.Slot(), carID)
		}
		return VehicleResult{CarID: carID, Outbound: []VehicleOutbound{
			{Payload: raw, ToAll: true},
		}}

	case VehicleChanged:
		if s.ownsCar(carID) && s.bus != nil {
			args := map[string]any{"nickname": s.Nickname(), "carId": carID}
			s.bus.EmitBoth("onCarChanged", args)
		}
		return VehicleResult{CarID: carID, Outbound: []VehicleOutbound{
			{Payload: raw, ToAll: true},
		}}

	case VehicleFocusMove:
		if s.ownsCar(carID) {
			s.SetFocusCar(carID)
			if s.bus != nil {
				args := map[string]any{"nickname": s.Nickname(), "carId": carID}
				s.bus.EmitBoth("onCarFocusMove", args)
			}
		}
		return VehicleResult{CarID: carID, Outbound: []VehicleOutbound{
			{Payload: raw, ToAll: true, ToSelf: true},
		}}

	default:
		return VehicleResult{CarID: carID}
	}
}
