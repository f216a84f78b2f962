// Command coffee-machine is a worked example servient: it exposes a
// simulated smart coffee machine over HTTP and WebSocket, plus a TD
// catalogue when a catalogue port is configured, to exercise the full produce/expose/invoke/observe path.
package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wostzone/wot-servient/pkg/config"
	"github.com/wostzone/wot-servient/pkg/exposedthing"
	"github.com/wostzone/wot-servient/pkg/httpbinding"
	"github.com/wostzone/wot-servient/pkg/logging"
	"github.com/wostzone/wot-servient/pkg/servient"
	"github.com/wostzone/wot-servient/pkg/td"
	"github.com/wostzone/wot-servient/pkg/wot"
	"github.com/wostzone/wot-servient/pkg/wsbinding"
)

const (
	thingID              = "urn:dev:wot:example:coffee-machine"
	propTemperature      = "temperature"
	propTempThreshold    = "high-temperature-threshold"
	propResources        = "allAvailableResources"
	propPossibleDrinks   = "possibleDrinks"
	propServedCounter    = "servedCounter"
	propMaintenance      = "maintenanceNeeded"
	propSchedules        = "schedules"
	actionMakeDrink      = "makeDrink"
	eventHighTemperature = "high-temperature"
	eventOutOfResource   = "outOfResource"
)

var drinkRecipes = map[string]map[string]int{
	"espresso":     {"water": 1, "milk": 0, "chocolate": 0, "coffeeBeans": 2},
	"americano":    {"water": 2, "milk": 0, "chocolate": 0, "coffeeBeans": 2},
	"cappuccino":   {"water": 1, "milk": 1, "chocolate": 0, "coffeeBeans": 2},
	"latte":        {"water": 1, "milk": 2, "chocolate": 0, "coffeeBeans": 2},
	"hotChocolate": {"water": 0, "milk": 0, "chocolate": 1, "coffeeBeans": 0},
	"hotWater":     {"water": 1, "milk": 0, "chocolate": 0, "coffeeBeans": 0},
}

var sizeQuantifiers = map[string]float64{"s": 0.1, "m": 0.2, "l": 0.3}

func buildTD() *td.ThingTD {
	tdoc := td.CreateTD(thingID, "Smart-Coffee-Machine")
	tdoc.Description = "A smart coffee machine with a range of capabilities."

	temp := tdoc.AddProperty(propTemperature, "Temperature", "number")
	temp.Observable = true
	temp.Writable = true

	threshold := tdoc.AddProperty(propTempThreshold, "High temperature threshold", "number")
	threshold.Observable = true
	threshold.Writable = true

	resources := tdoc.AddProperty(propResources, "Available resources", "object")
	resources.Writable = true
	resources.Description = "Current level of all available resources, 0-100 each."
	resources.Properties = map[string]*td.DataSchema{
		"water":       {Type: "integer", Minimum: floatPtr(0), Maximum: floatPtr(100)},
		"milk":        {Type: "integer", Minimum: floatPtr(0), Maximum: floatPtr(100)},
		"chocolate":   {Type: "integer", Minimum: floatPtr(0), Maximum: floatPtr(100)},
		"coffeeBeans": {Type: "integer", Minimum: floatPtr(0), Maximum: floatPtr(100)},
	}

	drinks := tdoc.AddProperty(propPossibleDrinks, "Possible drinks", "array")
	drinks.Writable = true
	drinks.Items = &td.DataSchema{Type: "string"}

	served := tdoc.AddProperty(propServedCounter, "Served counter", "integer")
	served.Writable = true
	served.Minimum = floatPtr(0)

	maintenance := tdoc.AddProperty(propMaintenance, "Maintenance needed", "boolean")
	maintenance.Observable = true
	maintenance.Writable = true

	schedules := tdoc.AddProperty(propSchedules, "Schedules", "array")
	schedules.Writable = true
	schedules.Items = &td.DataSchema{
		Type: "object",
		Properties: map[string]*td.DataSchema{
			"drinkId":  {Type: "string"},
			"size":     {Type: "string", Enum: []interface{}{"s", "m", "l"}},
			"quantity": {Type: "integer", Minimum: floatPtr(1), Maximum: floatPtr(5)},
			"time":     {Type: "string"},
			"mode": {
				Type: "string",
				Enum: []interface{}{"once", "everyday", "everyMo", "everyTu", "everyWe", "everyTh", "everyFr", "everySat", "everySun"},
			},
		},
	}

	action := tdoc.AddAction(actionMakeDrink, "Make drink")
	action.Description = "Make a drink from the available list of beverages."
	action.Input = &td.DataSchema{
		Type: "object",
		Properties: map[string]*td.DataSchema{
			"drinkId":  {Type: "string"},
			"size":     {Type: "string", Enum: []interface{}{"s", "m", "l"}},
			"quantity": {Type: "integer", Minimum: floatPtr(1), Maximum: floatPtr(5)},
		},
	}
	action.Output = &td.DataSchema{
		Type: "object",
		Properties: map[string]*td.DataSchema{
			"result":  {Type: "boolean"},
			"message": {Type: "string"},
		},
	}

	tdoc.AddEvent(eventHighTemperature, "High temperature", "number")
	tdoc.AddEvent(eventOutOfResource, "Out of resource", "string")

	return tdoc
}

func floatPtr(f float64) *float64 { return &f }

func main() {
	cfg, err := config.LoadFromArgs(os.Args[1:])
	if err != nil {
		logrus.Fatalf("coffee-machine: loading configuration: %s", err)
	}
	if err := logging.SetLogging(cfg.LogLevel, cfg.LogFile); err != nil {
		logrus.Warnf("coffee-machine: %s", err)
	}

	s := servient.New(cfg.Hostname)
	if cfg.HTTP.Enabled {
		s.AddServer(httpbinding.NewServer(cfg.HTTP.Port, nil))
		s.AddClient(httpbinding.NewClient(nil))
	}
	if cfg.WS.Enabled {
		s.AddServer(wsbinding.NewServer(cfg.WS.Port, nil))
		s.AddClient(wsbinding.NewClient())
	}
	if cfg.CataloguePort != 0 {
		s.EnableTDCatalogue(cfg.CataloguePort)
	}

	w := wot.New(s)
	ctx := context.Background()
	if _, err := w.Start(ctx); err != nil {
		logrus.Fatalf("coffee-machine: starting servient: %s", err)
	}
	logrus.Infof("coffee-machine: servient started, http=%d ws=%d catalogue=%d",
		cfg.HTTP.Port, cfg.WS.Port, cfg.CataloguePort)

	et, err := w.Produce(mustMarshalTD(buildTD()))
	if err != nil {
		logrus.Fatalf("coffee-machine: producing thing: %s", err)
	}

	et.WriteProperty(propResources, map[string]interface{}{
		"water": 100, "milk": 100, "chocolate": 100, "coffeeBeans": 100,
	})
	et.WriteProperty(propPossibleDrinks, []string{
		"espresso", "americano", "cappuccino", "latte", "hotChocolate", "hotWater",
	})
	et.WriteProperty(propMaintenance, false)
	et.WriteProperty(propSchedules, []interface{}{})
	et.WriteProperty(propTempThreshold, 27.0)
	et.WriteProperty(propServedCounter, 0)

	et.SetPropertyWriteHandler(propServedCounter, func(name string, value interface{}) error {
		count, _ := toFloat(value)
		if count > 1000 {
			et.WriteProperty(propMaintenance, true)
		}
		return nil
	})

	et.SetActionHandler(actionMakeDrink, makeDrinkHandler(et))

	if err := s.EnableExposedThing(et.TD().ID); err != nil {
		logrus.Fatalf("coffee-machine: enabling thing: %s", err)
	}

	go simulateTemperature(et)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("coffee-machine: shutdown: %s", err)
	}
}

func mustMarshalTD(tdoc *td.ThingTD) string {
	data, err := tdoc.MarshalJSON()
	if err != nil {
		logrus.Fatalf("coffee-machine: marshaling thing description: %s", err)
	}
	return string(data)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// makeDrinkHandler consumes simulated resources for the requested drink,
// rejecting the order when any resource would go negative.
func makeDrinkHandler(et *exposedthing.ExposedThing) func(name string, input interface{}) (interface{}, error) {
	return func(name string, input interface{}) (interface{}, error) {
		drinkID, size, quantity := "americano", "m", 1.0
		if params, ok := input.(map[string]interface{}); ok {
			if v, ok := params["drinkId"].(string); ok {
				drinkID = v
			}
			if v, ok := params["size"].(string); ok {
				size = v
			}
			if v, ok := toFloat(params["quantity"]); ok && v > 0 {
				quantity = v
			}
		}

		recipe, ok := drinkRecipes[drinkID]
		if !ok {
			return map[string]interface{}{"result": false, "message": "unknown drink: " + drinkID}, nil
		}

		raw, err := et.ReadProperty(propResources)
		if err != nil {
			return nil, err
		}
		resources, _ := raw.(map[string]interface{})
		newResources := map[string]interface{}{}
		for k, v := range resources {
			newResources[k] = v
		}

		quantifier := sizeQuantifiers[size]
		for resource, amount := range recipe {
			current, _ := toFloat(newResources[resource])
			consumed := math.Ceil(quantity * quantifier * float64(amount))
			updated := current - consumed
			if updated < 0 {
				et.EmitEvent(eventOutOfResource, resource+" level is not sufficient")
				return map[string]interface{}{
					"result":  false,
					"message": resource + " level is not sufficient",
				}, nil
			}
			newResources[resource] = updated
		}

		et.WriteProperty(propResources, newResources)

		servedRaw, err := et.ReadProperty(propServedCounter)
		if err != nil {
			return nil, err
		}
		served, _ := toFloat(servedRaw)
		et.WriteProperty(propServedCounter, served+quantity)

		return map[string]interface{}{
			"result":  true,
			"message": "Your " + drinkID + " is in progress!",
		}, nil
	}
}

// simulateTemperature periodically refreshes the temperature reading and
// emits high-temperature on every reading above the configured threshold.
func simulateTemperature(et *exposedthing.ExposedThing) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		temp := math.Round((20.0+rand.Float64()*10.0)*100) / 100
		et.WriteProperty(propTemperature, temp)

		thresholdRaw, err := et.ReadProperty(propTempThreshold)
		if err != nil {
			continue
		}
		threshold, ok := toFloat(thresholdRaw)
		if ok && temp > threshold {
			et.EmitEvent(eventHighTemperature, temp)
		}
	}
}
