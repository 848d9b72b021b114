// Package main provides the operator CLI for the request server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/osa030/mapreq/internal/api/httpapi"
	"github.com/osa030/mapreq/internal/app/notification"
	"github.com/osa030/mapreq/internal/domain/request"
)

var (
	app    = kingpin.New("mapreq-cli", "map request queue client")
	server = app.Flag("server", "Server address").Default("http://localhost:6557").String()
	token  = app.Flag("token", "Admin token (or set MAPREQ_ADMIN_TOKEN env)").Envar("MAPREQ_ADMIN_TOKEN").String()

	queryCmd     = app.Command("query", "Look up a map without queueing it")
	queryKey     = queryCmd.Arg("key", "Map key").Required().String()
	queryNoCache = queryCmd.Flag("nocache", "Skip the metadata cache").Bool()

	addCmd     = app.Command("add", "Request a map")
	addKey     = addCmd.Arg("key", "Map key").Required().String()
	addUser    = addCmd.Flag("user", "Requesting user").String()
	addService = addCmd.Flag("service", "Service the request came from").String()
	addPrepend = addCmd.Flag("prepend", "Put the map at the top of the queue").Bool()

	addWipCmd  = app.Command("addwip", "Request a work-in-progress map")
	addWipLink = addWipCmd.Arg("link", "URL or short code").Required().String()
	addWipUser = addWipCmd.Flag("user", "Requesting user").String()

	removeCmd = app.Command("remove", "Remove a map from the queue")
	removeKey = removeCmd.Arg("key", "Map key").Required().String()

	listCmd = app.Command("list", "Show the queue").Alias("queue")

	whereCmd  = app.Command("where", "Show a user's queue positions")
	whereUser = whereCmd.Arg("user", "User name").Required().String()

	statusCmd = app.Command("status", "Show whether the queue is open")
	openCmd   = app.Command("open", "Open the queue")
	closeCmd  = app.Command("close", "Close the queue")
	clearCmd  = app.Command("clear", "Clear the queue")

	moveCmd  = app.Command("move", "Move a map")
	moveFrom = moveCmd.Arg("from", "Current spot").Required().Int()
	moveTo   = moveCmd.Arg("to", "Target spot, top or bottom").Required().String()

	shuffleCmd = app.Command("shuffle", "Shuffle the queue")

	playCmd  = app.Command("play", "Mark a map as played")
	playSpot = playCmd.Arg("spot", "Spot, top or bottom").Default("top").String()
	skipCmd  = app.Command("skip", "Skip a map")
	skipSpot = skipCmd.Arg("spot", "Spot, top or bottom").Default("top").String()
	banCmd   = app.Command("ban", "Blacklist the map at a spot")
	banSpot  = banCmd.Arg("spot", "Spot, top or bottom").Required().String()

	historyCmd   = app.Command("history", "Show the session history")
	historyLimit = historyCmd.Flag("limit", "Number of entries").Default("10").Int()

	blacklistCmd       = app.Command("blacklist", "Manage the blacklist")
	blacklistListCmd   = blacklistCmd.Command("list", "Show blacklisted keys").Default()
	blacklistAddCmd    = blacklistCmd.Command("add", "Blacklist a key")
	blacklistAddKey    = blacklistAddCmd.Arg("key", "Map key").Required().String()
	blacklistRemoveCmd = blacklistCmd.Command("remove", "Remove a key from the blacklist")
	blacklistRemoveKey = blacklistRemoveCmd.Arg("key", "Map key").Required().String()

	versionCmd   = app.Command("server-version", "Show the server version")
	subscribeCmd = app.Command("subscribe", "Print broadcast events")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	c := &client{
		base:       strings.TrimRight(*server, "/"),
		token:      *token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch command {
	case queryCmd.FullCommand():
		path := "/query/"
		if *queryNoCache {
			path += "nocache/"
		}
		err = c.printEntry(http.MethodGet, path+url.PathEscape(*queryKey), nil)
	case addCmd.FullCommand():
		q := url.Values{}
		setIf(q, "user", *addUser)
		setIf(q, "service", *addService)
		if *addPrepend {
			q.Set("prepend", "true")
		}
		err = c.printEntry(http.MethodGet, "/addkey/"+url.PathEscape(*addKey)+query(q), nil)
	case addWipCmd.FullCommand():
		q := url.Values{}
		setIf(q, "user", *addWipUser)
		err = c.printEntry(http.MethodPost, "/addwip"+query(q), strings.NewReader(*addWipLink))
	case removeCmd.FullCommand():
		err = c.printEntry(http.MethodGet, "/removekey/"+url.PathEscape(*removeKey), nil)
	case listCmd.FullCommand():
		err = c.printQueue("/queue")
	case whereCmd.FullCommand():
		err = c.printRaw("/queue/where/" + url.PathEscape(*whereUser))
	case statusCmd.FullCommand():
		err = c.printRaw("/queue/status")
	case openCmd.FullCommand():
		err = c.printRaw("/queue/open/true")
	case closeCmd.FullCommand():
		err = c.printRaw("/queue/open/false")
	case clearCmd.FullCommand():
		err = c.printQueue("/queue/clear")
	case moveCmd.FullCommand():
		err = c.printQueue("/queue/move/" + strconv.Itoa(*moveFrom) + "/" + url.PathEscape(*moveTo))
	case shuffleCmd.FullCommand():
		err = c.printQueue("/queue/shuffle")
	case playCmd.FullCommand():
		err = c.printEntry(http.MethodGet, "/queue/play/"+url.PathEscape(*playSpot), nil)
	case skipCmd.FullCommand():
		err = c.printEntry(http.MethodGet, "/queue/skip/"+url.PathEscape(*skipSpot), nil)
	case banCmd.FullCommand():
		err = c.printEntry(http.MethodGet, "/queue/ban/"+url.PathEscape(*banSpot), nil)
	case historyCmd.FullCommand():
		err = c.printHistory(*historyLimit)
	case blacklistListCmd.FullCommand():
		err = c.printRaw("/blacklist")
	case blacklistAddCmd.FullCommand():
		err = c.printRaw("/blacklist/add/" + url.PathEscape(*blacklistAddKey))
	case blacklistRemoveCmd.FullCommand():
		err = c.printRaw("/blacklist/remove/" + url.PathEscape(*blacklistRemoveKey))
	case versionCmd.FullCommand():
		err = c.printRaw("/version")
	case subscribeCmd.FullCommand():
		err = c.subscribe()
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	base       string
	token      string
	httpClient *http.Client
}

func (c *client) do(method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if c.token != "" {
		req.Header.Set(httpapi.AdminTokenHeader, c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}
	if resp.StatusCode != http.StatusOK {
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Message != "" {
			return nil, errors.Newf("%d: %s", resp.StatusCode, msg.Message)
		}
		return nil, errors.Newf("unexpected status %d", resp.StatusCode)
	}
	return data, nil
}

func (c *client) printRaw(path string) error {
	data, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return errors.Wrap(err, "failed to format response")
	}
	fmt.Print(out.String())
	return nil
}

func (c *client) printEntry(method, path string, body io.Reader) error {
	data, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	var e request.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return errors.Wrap(err, "failed to decode entry")
	}
	printEntry(0, &e)
	return nil
}

func (c *client) printQueue(path string) error {
	data, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	var entries []*request.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Wrap(err, "failed to decode queue")
	}
	if len(entries) == 0 {
		fmt.Println("The queue is empty")
		return nil
	}
	for i, e := range entries {
		printEntry(i+1, e)
	}
	return nil
}

func (c *client) printHistory(limit int) error {
	data, err := c.do(http.MethodGet, "/history?limit="+strconv.Itoa(limit), nil)
	if err != nil {
		return err
	}
	var items []struct {
		Timestamp int64          `json:"timestamp"`
		Entry     *request.Entry `json:"entry"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return errors.Wrap(err, "failed to decode history")
	}
	for _, it := range items {
		fmt.Printf("%s  %s - %s [%s]\n", time.Unix(it.Timestamp, 0).Format(time.TimeOnly), it.Entry.Artist, it.Entry.Title, it.Entry.Key)
	}
	return nil
}

func printEntry(spot int, e *request.Entry) {
	if spot > 0 {
		fmt.Printf("%3d. ", spot)
	}
	if e.IsWip {
		fmt.Printf("%s %s", e.Title, e.Key)
	} else {
		fmt.Printf("[%s] %s - %s (mapped by %s, %d:%02d)", e.Key, e.Artist, e.Title, e.Mapper, e.DurationSeconds/60, e.DurationSeconds%60)
	}
	if e.RequestedBy != "" {
		fmt.Printf(" requested by %s", e.RequestedBy)
	}
	fmt.Println()
}

func (c *client) subscribe() error {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/socket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to connect")
	}
	defer conn.Close()

	fmt.Println("Subscribed to events. Press Ctrl+C to exit.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nUnsubscribing...")
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		os.Exit(0)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return errors.Wrap(err, "stream error")
		}
		var ev struct {
			notification.Event
			Data json.RawMessage `json:"Data"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			fmt.Printf("undecodable event: %s\n", data)
			continue
		}
		fmt.Printf("%s %s %s\n", time.UnixMilli(ev.Timestamp).Format(time.TimeOnly), ev.EventType, ev.Data)
	}
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func query(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
