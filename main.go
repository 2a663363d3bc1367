// Command driftrelay runs the multiplayer relay server: it admits
// clients over a reliable TCP control connection plus an unreliable UDP
// datagram channel, relays chat and vehicle state between them, and
// serves mods, metrics, and an operator console alongside it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"

	"driftrelay/internal/config"
	"driftrelay/internal/console"
	"driftrelay/internal/heartbeat"
	"driftrelay/internal/identity"
	"driftrelay/internal/logging"
	"driftrelay/internal/metrics"
	"driftrelay/internal/mods"
	"driftrelay/internal/registry"
	"driftrelay/internal/serverctx"
	"driftrelay/internal/session"
	"driftrelay/internal/tick"
	"driftrelay/internal/transport"
	"driftrelay/internal/wire"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// clientVersion is the full dotted protocol version clients must present
// during the version-check handshake step, e.g. "VC2.0".
const clientVersion = "2.0"

// maxKeyLen bounds the connection key frame read during KEY_EXCHANGE.
const maxKeyLen = 50

// downloadSockPollInterval and downloadSockPolls bound how long a mod
// transfer waits for the client's secondary D-role connection to attach
// before kicking it: 50 * 100ms = 5s total.
const downloadSockPollInterval = 100 * time.Millisecond
const downloadSockPolls = 50

func main() {
	configPath := flag.String("config", "config.yaml", "path to the server configuration file")
	logPretty := flag.Bool("log-pretty", false, "use colorized console logging instead of JSON")
	flag.Parse()

	logging.Init(*logPretty)
	log := logging.For("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}

	inv, err := mods.Scan(cfg.ModsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("scanning mods directory")
	}
	log.Info().Int("count", len(inv.Entries)).Str("total_size", mods.HumanSize(inv.TotalSize)).
		Msg("mods inventory scanned")

	sc := serverctx.New(cfg, inv, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", cfg.ServerIP, cfg.ServerPort)
	ln, err := transport.ListenReliable(addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("binding reliable listener")
	}
	udpConn, err := transport.ListenDatagram(addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("binding datagram listener")
	}

	idc := identity.New("")

	go transport.ServeReliable(ctx, ln, sc.Limiter, func(conn net.Conn, role transport.Role, slot int) {
		dispatchConnection(ctx, sc, conn, udpConn, idc, role, slot)
	})

	go transport.ServeDatagram(ctx, udpConn, func(slot int) (transport.DatagramSink, bool) {
		s := sc.Registry.BySlot(slot)
		if s == nil {
			return nil, false
		}
		sess, ok := s.(*session.Session)
		return sess, ok
	})

	var scheduler *tick.Scheduler
	scheduler = tick.New(60,
		func(counter int) { driveTick(sc) },
		func(name string) {
			tps2s, tps5s, tps30s, tps60s := scheduler.TPS()
			driveCadence(sc, tps2s, tps5s, tps30s, tps60s, name)
		},
	)
	go scheduler.Run(ctx)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, func() bool { return true })
	go metricsSrv.Run(ctx)

	go hostSampleLoop(ctx)

	hb := heartbeat.New(cfg.Key, func() heartbeat.FleetInfo { return fleetInfo(sc, Version) })
	go hb.Run(ctx, func(registered bool, mirror string, err error) {
		if registered {
			metrics.HeartbeatRegistered.Set(1)
		} else {
			metrics.HeartbeatRegistered.Set(0)
			log.Warn().Err(err).Msg("heartbeat rejected by every mirror; running in direct mode")
		}
	})

	con := console.New(os.Stdout)
	registerConsoleCommands(con, sc)
	go con.Run(ctx, os.Stdin)

	log.Info().Str("addr", addr).Str("metrics_addr", cfg.MetricsAddr).Msg("driftrelay started")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	ln.Close()
	udpConn.Close()
}

func hostSampleLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SampleHost(ctx)
		}
	}
}

// dispatchConnection routes a freshly role-tagged reliable connection:
// RoleClient begins the session handshake; RoleDownload attaches as the
// secondary transfer socket of the session occupying slot (per SPEC
// §4.G, the reliable listener already read the slot_id byte); RolePing
// and any unknown role get an immediate close.
func dispatchConnection(ctx context.Context, sc *serverctx.Context, conn net.Conn, udpConn *net.UDPConn, idc *identity.Client, role transport.Role, slot int) {
	switch role {
	case transport.RoleClient:
		handleClient(ctx, sc, conn, udpConn, idc)
	case transport.RoleDownload:
		rs := sc.Registry.BySlot(slot)
		sess, ok := rs.(*session.Session)
		if !ok {
			conn.Close()
			return
		}
		sess.AttachDownloadSock(conn)
	case transport.RolePing:
		conn.Close()
	default:
		conn.Close()
	}
}

func sendFrame(w net.Conn, payload string) error {
	frame, err := wire.Encode([]byte(payload))
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func sendKick(conn net.Conn, reason string) {
	sendFrame(conn, "E"+reason)
	conn.Close()
}

func handleClient(ctx context.Context, sc *serverctx.Context, conn net.Conn, udpConn *net.UDPConn, idc *identity.Client) {
	peer := transport.NewPeer(conn, udpConn)
	defer peer.Close()

	verFrame, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	if string(verFrame) != "VC"+clientVersion {
		sendKick(conn, "Outdated client, please update")
		return
	}

	if err := sendFrame(conn, "A"); err != nil {
		conn.Close()
		return
	}

	keyFrame, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	key := string(keyFrame)
	if len(key) == 0 || len(key) > maxKeyLen {
		sendKick(conn, "bad key")
		return
	}

	sc.Bus.EmitBoth("onPlayerSentKey", map[string]any{"key": key})

	id, err := idc.Verify(ctx, key, peer.RemoteIP())
	if err != nil {
		sendKick(conn, "auth server failed")
		return
	}
	sc.Bus.EmitBoth("onPlayerAuthenticated", map[string]any{"username": id.Username, "guest": id.Guest})

	if incumbent, ok := sc.Registry.ByNickname(id.Username, id.Guest).(*session.Session); ok {
		incumbent.Terminate("stale", func(payload string) { broadcastRaw(sc, incumbent, payload, false) })
		sc.Registry.Remove(incumbent.Slot(), incumbent.Nickname(), incumbent.Guest())
	}
	if sc.Registry.Count() >= sc.Config.MaxPlayers {
		sendKick(conn, "server full")
		return
	}

	sess := session.New(session.Config{
		Key:       key,
		Transport: peer,
		SpawnCfg: session.SpawnConfig{
			MaxCars:       sc.Config.MaxCarsPerPlayer,
			AllowUnicycle: true,
		},
		Bus:         sc.Bus,
		InboundSize: 64,
	})
	sess.Advance(session.StateAdmit)
	sess.SetIdentity(id.Username, id.Roles, id.Guest, id.Identifiers)

	if err := sc.Registry.Insert(ctx, sess); err != nil {
		sendKick(conn, "server full")
		return
	}
	defer sc.Registry.Remove(sess.Slot(), sess.Nickname(), sess.Guest())

	sess.SetLogger(logging.ForSession(id.Username, sess.Slot()))
	metrics.ConnectedSessions.Inc()
	defer metrics.ConnectedSessions.Dec()

	sess.Advance(session.StateSync)
	sendFrame(conn, fmt.Sprintf("P%d", sess.Slot()))

	runModSync(ctx, sc, sess, conn)

	readLoop(ctx, sc, sess, conn)

	sess.Terminate("disconnected", func(payload string) { broadcastRaw(sc, sess, payload, false) })
}

// runModSync serves the mod inventory listing and file requests until the
// client sends "Done", mirroring Client._sync_resources.
func runModSync(ctx context.Context, sc *serverctx.Context, sess *session.Session, conn net.Conn) {
	uploader := &mods.Uploader{Dir: sc.Config.ModsDir, UseQueue: sc.Config.UseQueue, SpeedLimit: sc.Config.SpeedLimit}

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		msg := string(frame)

		switch {
		case msg == "Done":
			sendFrame(conn, "M"+sc.Config.Map)
			return
		case msg == "SR":
			sendFrame(conn, modListPayload(sc.Inventory))
		case strings.HasPrefix(msg, "f"):
			path := msg[1:]
			entry, ok := sc.Inventory.Find(path)
			if !ok {
				sendFrame(conn, "CO")
				sendKick(conn, "Not allowed mod: "+path)
				return
			}
			sendFrame(conn, "AG")

			secondary, ok := waitForDownloadSock(sess)
			if !ok {
				sendKick(conn, "Missing download socket")
				return
			}
			if err := uploader.SendSplit(ctx, path, conn, secondary); err != nil {
				sc.Log.Warn().Err(err).Str("path", path).Msg("mod transfer failed")
				sendKick(conn, "transfer failed")
				return
			}
			metrics.ModBytesTransferred.Add(float64(entry.Size))
		}
	}
}

// waitForDownloadSock polls up to downloadSockPolls times, 100ms apart
// (5s total), for the client's secondary D-role connection to attach.
func waitForDownloadSock(sess *session.Session) (net.Conn, bool) {
	for i := 0; i < downloadSockPolls; i++ {
		if c := sess.DownloadSock(); c != nil {
			return c, true
		}
		time.Sleep(downloadSockPollInterval)
	}
	return nil, false
}

// modListPayload answers an "SR" inventory request: every path, each
// ";"-terminated, followed by every size, each ";"-terminated; "-" when
// the inventory is empty.
func modListPayload(inv *mods.Inventory) string {
	if len(inv.Entries) == 0 {
		return "-"
	}
	var b strings.Builder
	for _, e := range inv.Entries {
		b.WriteString(e.Path)
		b.WriteByte(';')
	}
	for _, e := range inv.Entries {
		fmt.Fprintf(&b, "%d;", e.Size)
	}
	return b.String()
}

func readLoop(ctx context.Context, sc *serverctx.Context, sess *session.Session, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		sess.CountTCP()
		metrics.FramesIn.WithLabelValues("reliable").Inc()
		if sess.EnqueueTCP(frame) {
			sc.Log.Debug().Msg("dropped inbound reliable frame: queue full")
		}
	}
}

// driveTick runs once per 60 TPS tick: it drains at most one queued frame
// per transport per session and dispatches it. serverTick fires
// sync-then-async, the one topic that inverts EmitBoth's usual ordering,
// so synchronous listeners observe tick state before any async handler
// runs.
func driveTick(sc *serverctx.Context) {
	sc.Bus.EmitSync("serverTick", nil)
	sc.Bus.EmitAsync("serverTick", nil)

	sc.Registry.Broadcast(func(rs registry.Session) {
		sess, ok := rs.(*session.Session)
		if !ok {
			return
		}
		if frame, ok := sess.DrainOneTCP(); ok {
			dispatchTCP(sc, sess, frame)
		}
		if frame, ok := sess.DrainOneUDP(); ok {
			dispatchUDP(sc, sess, frame)
		}
	})
}

// welcomeMessage is broadcast on PLAY-entry ("J" + formatted nickname).
const welcomeMessage = "Welcome %s!"

func dispatchTCP(sc *serverctx.Context, sess *session.Session, frame []byte) {
	if len(frame) == 0 {
		return
	}
	switch frame[0] {
	case 'H':
		handlePlayEntry(sc, sess)
	case 'C':
		result := sess.HandleChat(string(frame))
		if !result.Suppress {
			broadcastRaw(sc, sess, "C:"+sess.Nickname()+":"+result.Message, true)
		}
	case 'O':
		dispatchVehicle(sc, sess, frame)
	case 'E':
		name, data, ok := parseNamedEvent(frame)
		if !ok {
			return
		}
		sc.Bus.EmitBoth(name, map[string]any{"nickname": sess.Nickname(), "data": data})
		sc.Bus.EmitScripted(name, sess.Slot(), data)
	case 'N', 'V', 'W', 'Y':
		broadcastRaw(sc, sess, string(frame), false)
	default:
		sc.Log.Debug().Str("code", string(frame[0])).Msg("unhandled reliable opcode")
	}
}

// handlePlayEntry runs the PLAY-entry sequence (Client._connected_handler)
// once, on the client's first "H" signal: announce the new player,
// replay every other session's cars to it alone, then mark it ready.
func handlePlayEntry(sc *serverctx.Context, sess *session.Session) {
	if sess.IsSynced() {
		return
	}

	sc.Bus.EmitBoth("onPlayerJoin", map[string]any{"nickname": sess.Nickname()})

	broadcastRaw(sc, sess, "Sn"+sess.Nickname(), true)
	broadcastRaw(sc, sess, "J"+fmt.Sprintf(welcomeMessage, sess.Nickname()), true)

	replayCars(sc, sess)

	sess.MarkSynced()
	sess.MarkReady()
	sess.Advance(session.StatePlay)

	sc.Bus.EmitBoth("onPlayerReady", map[string]any{"nickname": sess.Nickname()})
}

// replayCars sends every other live session's current vehicles to sess
// alone, so a newly-joined client sees cars already in the world.
func replayCars(sc *serverctx.Context, sess *session.Session) {
	sc.Registry.Broadcast(func(rs registry.Session) {
		other, ok := rs.(*session.Session)
		if !ok || other == sess {
			return
		}
		for _, car := range other.Cars() {
			sendSelf(sess, car.Data)
		}
	})
}

func dispatchVehicle(sc *serverctx.Context, sess *session.Session, frame []byte) {
	if len(frame) < 2 {
		return
	}
	carID, payload := parseVehicleFrame(frame[2:])
	raw := string(frame)
	result := sess.HandleVehicleCode(session.VehicleCode(frame[1]), carID, payload, raw)
	for _, out := range result.Outbound {
		deliverOutbound(sc, sess, out)
	}
}

// deliverOutbound routes one VehicleOutbound: a broadcast (respecting
// ToSelf), or a self-only reply when ToAll is false.
func deliverOutbound(sc *serverctx.Context, sess *session.Session, out session.VehicleOutbound) {
	if out.ToAll {
		broadcastRaw(sc, sess, out.Payload, out.ToSelf)
		return
	}
	sendSelf(sess, out.Payload)
}

func dispatchUDP(sc *serverctx.Context, sess *session.Session, frame []byte) {
	if len(frame) == 0 {
		return
	}
	switch frame[0] {
	case 'p':
		sc.Bus.EmitBoth("onSentPing", map[string]any{"nickname": sess.Nickname()})
		sess.SendDatagram(wire.EncodeDatagram(sess.Slot(), []byte("p")))
	default:
		broadcastDatagram(sc, sess, frame)
	}
}

// parseNamedEvent splits an "E:<name>:<data>" reliable frame. data may be
// empty; ok is false if the frame lacks even the leading separator.
func parseNamedEvent(frame []byte) (name, data string, ok bool) {
	s := string(frame)
	if len(s) < 2 || s[1] != ':' {
		return "", "", false
	}
	rest := s[2:]
	idx := strings.IndexByte(rest, ':')
	if idx == -1 {
		return rest, "", true
	}
	return rest[:idx], rest[idx+1:], true
}

func parseVehicleFrame(rest []byte) (carID int, payload string) {
	idx := 0
	for idx < len(rest) && rest[idx] != ':' {
		idx++
	}
	if idx == len(rest) {
		return 0, string(rest)
	}
	id := 0
	for _, c := range rest[:idx] {
		if c < '0' || c > '9' {
			return 0, string(rest)
		}
		id = id*10 + int(c-'0')
	}
	return id, string(rest[idx+1:])
}

// sendSelf delivers payload to sess alone, framed but not broadcast (the
// reject-path and car-replay self-replies of Client._spawn_car /
// Client._connected_handler).
func sendSelf(sess *session.Session, payload string) {
	frame, err := wire.Encode([]byte(payload))
	if err != nil {
		return
	}
	sess.SendReliable(frame)
}

// broadcastRaw delivers payload to every other live session, and to from
// itself when toSelf is set.
func broadcastRaw(sc *serverctx.Context, from *session.Session, payload string, toSelf bool) {
	frame, err := wire.Encode([]byte(payload))
	if err != nil {
		return
	}
	sc.Registry.Broadcast(func(rs registry.Session) {
		other, ok := rs.(*session.Session)
		if !ok {
			return
		}
		if other == from && !toSelf {
			return
		}
		other.SendReliable(frame)
		metrics.FramesOut.WithLabelValues("reliable").Inc()
	})
}

func broadcastDatagram(sc *serverctx.Context, from *session.Session, payload []byte) {
	frame := wire.EncodeDatagram(from.Slot(), payload)
	sc.Registry.Broadcast(func(rs registry.Session) {
		other, ok := rs.(*session.Session)
		if !ok || other == from {
			return
		}
		other.SendDatagram(frame)
		metrics.FramesOut.WithLabelValues("datagram").Inc()
	})
}

func driveCadence(sc *serverctx.Context, tps2s, tps5s, tps30s, tps60s float64, name string) {
	switch name {
	case "serverTick_1s":
		sc.Registry.Broadcast(func(rs registry.Session) {
			sess, ok := rs.(*session.Session)
			if !ok {
				return
			}
			tcp, udp := sess.DrainTraffic()
			if tcp > 60 || udp > 60 {
				sc.Log.Warn().Uint64("tcp_pps", tcp).Uint64("udp_pps", udp).
					Str("nickname", sess.Nickname()).Msg("session exceeding target packet rate")
			}
		})
	case "serverTick_2s":
		metrics.TPS.WithLabelValues("2s").Set(tps2s)
	case "serverTick_5s":
		metrics.TPS.WithLabelValues("5s").Set(tps5s)
	case "serverTick_30s":
		metrics.TPS.WithLabelValues("30s").Set(tps30s)
	case "serverTick_60s":
		metrics.TPS.WithLabelValues("60s").Set(tps60s)
	}
}

func fleetInfo(sc *serverctx.Context, version string) heartbeat.FleetInfo {
	var players []string
	guests := 0
	sc.Registry.Broadcast(func(rs registry.Session) {
		if sess, ok := rs.(*session.Session); ok {
			players = append(players, sess.Nickname())
			if sess.Guest() {
				guests++
			}
		}
	})
	var modList []string
	for _, e := range sc.Inventory.Entries {
		modList = append(modList, e.Path)
	}
	return heartbeat.FleetInfo{
		UUID:          sc.Config.UUID,
		ServerName:    sc.Config.Name,
		Map:           sc.Config.Map,
		Private:       sc.Config.Private,
		MaxPlayers:    sc.Config.MaxPlayers,
		PlayerCount:   len(players),
		PlayersList:   players,
		ModsTotal:     len(sc.Inventory.Entries),
		ModsTotalSize: sc.Inventory.TotalSize,
		ModList:       modList,
		Tags:          sc.Config.Tags,
		Version:       version,
		Port:          sc.Config.ServerPort,
		ClientVersion: clientVersion,
		Guests:        guests,
		Description:   sc.Config.Description,
	}
}

func registerConsoleCommands(con *console.Console, sc *serverctx.Context) {
	con.AddCommand("list", func(args []string) string {
		var names []string
		sc.Registry.Broadcast(func(rs registry.Session) {
			if sess, ok := rs.(*session.Session); ok {
				names = append(names, fmt.Sprintf("%s:%d", sess.Nickname(), sess.Slot()))
			}
		})
		return strings.Join(names, ", ")
	})
	con.AddCommand("kick", func(args []string) string {
		if len(args) == 0 {
			return "usage: kick <nickname>|:<slot> [reason]"
		}
		sess := resolveKickTarget(sc, args[0])
		if sess == nil {
			return "no such player: " + args[0]
		}
		reason := "kicked by operator"
		if len(args) > 1 {
			reason = strings.Join(args[1:], " ")
		}
		sess.Terminate(reason, func(payload string) { broadcastRaw(sc, sess, payload, false) })
		return "kicked " + sess.Nickname()
	})
	con.AddCommand("rl", func(args []string) string {
		if len(args) == 0 {
			return "usage: rl <ip>"
		}
		calls, until := sc.Limiter.Info(args[0])
		return fmt.Sprintf("calls=%d banned_until=%s", calls, until)
	})
	con.AddCommand("plugins", func(args []string) string {
		return "plugin loading is not handled by the core"
	})
}

// resolveKickTarget accepts either ":<slot>" or a bare nickname (tried as
// both a registered player and a guest, since uniqueness is only scoped
// per guest flag).
func resolveKickTarget(sc *serverctx.Context, target string) *session.Session {
	if strings.HasPrefix(target, ":") {
		slot, err := strconv.Atoi(target[1:])
		if err != nil {
			return nil
		}
		sess, _ := sc.Registry.BySlot(slot).(*session.Session)
		return sess
	}
	if sess, ok := sc.Registry.ByNickname(target, false).(*session.Session); ok {
		return sess
	}
	if sess, ok := sc.Registry.ByNickname(target, true).(*session.Session); ok {
		return sess
	}
	return nil
}
