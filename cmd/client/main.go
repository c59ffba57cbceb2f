package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sashagrib/minifarm/pkg/clock"
	"github.com/sashagrib/minifarm/pkg/crops"
	"github.com/sashagrib/minifarm/pkg/farm"
	"github.com/sashagrib/minifarm/pkg/gateway"
	"github.com/sashagrib/minifarm/pkg/log"
	"github.com/sashagrib/minifarm/pkg/loop"
	"github.com/sashagrib/minifarm/pkg/push"
	"github.com/sashagrib/minifarm/pkg/state"
)

// terminalRenderer prints plot transitions as they happen. Countdown
// updates are too chatty for a line-based terminal, so it only reports
// state and stage changes.
type terminalRenderer struct {
	lastState map[int]loop.PlotState
	lastStage map[int]string
}

func newTerminalRenderer() *terminalRenderer {
	return &terminalRenderer{
		lastState: make(map[int]loop.PlotState),
		lastStage: make(map[int]string),
	}
}

func (r *terminalRenderer) UpdatePlot(view loop.PlotView) {
	if r.lastState[view.Index] == view.State && r.lastStage[view.Index] == view.Stage {
		return
	}
	r.lastState[view.Index] = view.State
	r.lastStage[view.Index] = view.Stage

	switch view.State {
	case loop.PlotStateEmpty:
		fmt.Printf("plot %d is now empty\n", view.Index)
	case loop.PlotStateGrowing:
		fmt.Printf("plot %d: %s (%s) %s\n", view.Index, view.CropKey, view.Stage, view.Countdown)
	}
}

func (r *terminalRenderer) PlotReady(index int) {
	fmt.Printf("plot %d is ready to harvest!\n", index)
}

func main() {
	serverURL := flag.String("server-url", "http://localhost:8080", "Game server base URL")
	pushURL := flag.String("push-url", "", "WebSocket push URL (defaults to <server-url>/api/push)")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverClock := clock.NewServerClock(nil)
	store := state.NewStore(serverClock)
	gw := gateway.NewGateway(gateway.NewGatewayOptions{
		BaseURL: *serverURL,
		Store:   store,
	})

	snapshot, err := gw.Resync(ctx)
	if err != nil {
		var blocked *gateway.BlockedError
		if errors.As(err, &blocked) {
			fmt.Printf("account blocked: %s\n", blocked.Reason)
			return
		}
		panic(fmt.Sprintf("Failed to fetch initial state: %v", err))
	}
	fmt.Printf("welcome, %s! balance %d, fields %d\n", snapshot.Name(), snapshot.Balance, snapshot.FieldsOwned)

	reconciler := loop.NewReconciler(loop.NewReconcilerOptions{
		Store:      store,
		Calculator: crops.NewCalculator(serverClock),
		Renderer:   newTerminalRenderer(),
	})
	go reconciler.Run(ctx)

	wsURL := *pushURL
	if wsURL == "" {
		wsURL = strings.Replace(*serverURL, "http", "ws", 1) + "/api/push"
	}
	go push.NewSubscriber(wsURL, store).Run(ctx)

	repl(ctx, gw, store)
}

func repl(ctx context.Context, gw *gateway.Gateway, store *state.Store) {
	fmt.Println("commands: state, inv, shop, buyfield, buy <item>, plant <idx> <item>, harvest <idx>, sell <item>, quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return
		case "state":
			printState(store.Snapshot())
		case "shop":
			for _, item := range crops.ShopCatalog {
				fmt.Printf("  %-18s %3d coins\n", item.ItemKey, item.Price)
			}
		case "inv":
			items, err := gw.Inventory(ctx)
			if err != nil {
				printActionError(err)
				continue
			}
			if len(items) == 0 {
				fmt.Println("  (empty)")
			}
			for _, item := range items {
				fmt.Printf("  %-18s x%d\n", item.ItemKey, item.Qty)
			}
		case "buyfield":
			result, err := gw.BuyField(ctx)
			if err != nil {
				printActionError(err)
			} else if result != nil {
				fmt.Printf("bought plot %d\n", result.Index)
			}
		case "buy":
			if len(fields) < 2 {
				fmt.Println("usage: buy <item>")
				continue
			}
			result, err := gw.BuyItem(ctx, fields[1])
			if err != nil {
				printActionError(err)
			} else if result != nil {
				fmt.Printf("bought %s x%d\n", result.ItemKey, result.Qty)
			}
		case "plant":
			if len(fields) < 3 {
				fmt.Println("usage: plant <idx> <item>")
				continue
			}
			index, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("usage: plant <idx> <item>")
				continue
			}
			result, err := gw.Plant(ctx, index, fields[2])
			if err != nil {
				printActionError(err)
			} else if result != nil {
				fmt.Printf("planted %s on plot %d\n", result.CropKey, result.Index)
			}
		case "harvest":
			if len(fields) < 2 {
				fmt.Println("usage: harvest <idx>")
				continue
			}
			index, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("usage: harvest <idx>")
				continue
			}
			result, err := gw.Harvest(ctx, index)
			if err != nil {
				printActionError(err)
			} else if result != nil {
				fmt.Printf("harvested %s x%d from plot %d\n", result.ItemKey, result.Qty, result.Index)
			}
		case "sell":
			if len(fields) < 2 {
				fmt.Println("usage: sell <item>")
				continue
			}
			result, err := gw.Sell(ctx, fields[1])
			if err != nil {
				printActionError(err)
			} else if result != nil {
				fmt.Printf("sold %s for %d coins\n", result.ItemKey, result.Price)
			}
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func printState(snapshot *farm.Snapshot) {
	if snapshot == nil {
		fmt.Println("no state yet")
		return
	}
	fmt.Printf("%s: balance %d, fields %d/%d\n", snapshot.Name(), snapshot.Balance, snapshot.FieldsOwned, farm.MaxFields)
	for index := 0; index < snapshot.FieldsOwned && index < farm.MaxFields; index++ {
		plot, ok := snapshot.Plot(index)
		if !ok || plot.Empty() {
			fmt.Printf("  plot %d: empty\n", index)
			continue
		}
		fmt.Printf("  plot %d: %s (%s)\n", index, plot.CropKey, plot.Stage)
	}
}

func printActionError(err error) {
	var action *gateway.ActionError
	if errors.As(err, &action) {
		fmt.Printf("rejected: %s\n", action.Kind)
		return
	}
	var blocked *gateway.BlockedError
	if errors.As(err, &blocked) {
		fmt.Printf("account blocked: %s\n", blocked.Reason)
		return
	}
	fmt.Printf("error: %v\n", err)
}
