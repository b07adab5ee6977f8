package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apex-build/sheetext-host/internal/extensions"
)

// apiTable is the static namespace.method -> {requiredPerms, handler}
// mapping spec §4.5/§9 calls for, built once at package init instead of
// reflected over per call.
var apiTable = map[string]apiSpec{
	"workbook.getActiveWorkbook": {handler: handleGetActiveWorkbook},

	"sheets.getActiveSheet": {handler: handleGetActiveSheet},
	"sheets.listSheets":     {handler: handleListSheets},
	"sheets.getSheet":       {validateShape: requireStringField("name"), handler: handleGetSheet},
	"sheets.createSheet": {
		requiredPerms: []extensions.Permission{extensions.PermSheetsManage},
		validateShape: requireStringField("name"),
		handler:       handleCreateSheet,
	},
	"sheets.renameSheet": {
		requiredPerms: []extensions.Permission{extensions.PermSheetsManage},
		validateShape: requireStringFields("from", "to"),
		handler:       handleRenameSheet,
	},
	"sheets.deleteSheet": {
		requiredPerms: []extensions.Permission{extensions.PermSheetsManage},
		validateShape: requireStringField("name"),
		handler:       handleDeleteSheet,
	},
	"sheets.activateSheet": {
		requiredPerms: []extensions.Permission{extensions.PermSheetsManage},
		validateShape: requireStringField("name"),
		handler:       handleActivateSheet,
	},

	"cells.getSelection": {
		requiredPerms: []extensions.Permission{extensions.PermCellsRead},
		handler:       handleGetSelection,
	},
	"cells.getCell": {
		requiredPerms: []extensions.Permission{extensions.PermCellsRead},
		handler:       handleGetCell,
	},
	"cells.setCell": {
		requiredPerms: []extensions.Permission{extensions.PermCellsWrite},
		handler:       handleSetCell,
	},
	"cells.getRange": {
		requiredPerms: []extensions.Permission{extensions.PermCellsRead},
		validateShape: requireStringField("a1"),
		handler:       handleGetRange,
	},
	"cells.setRange": {
		requiredPerms: []extensions.Permission{extensions.PermCellsWrite},
		validateShape: requireStringField("a1"),
		handler:       handleSetRange,
	},

	"ui.createPanel": {
		requiredPerms: []extensions.Permission{extensions.PermUIPanels},
		validateShape: requireStringField("panelId"),
		handler:       handleCreatePanel,
	},
	"ui.postPanelMessage": {
		requiredPerms: []extensions.Permission{extensions.PermUIPanels},
		validateShape: requireStringField("panelId"),
		handler:       handlePostPanelMessage,
	},
	"ui.registerMenuItem": {
		requiredPerms: []extensions.Permission{extensions.PermUIMenus},
		validateShape: requireStringFields("menuId", "command"),
		handler:       handleRegisterMenuItem,
	},

	"commands.registerCommand": {
		requiredPerms: []extensions.Permission{extensions.PermUICommands},
		validateShape: requireStringField("command"),
		handler:       handleRegisterCommand,
	},
	"dataConnectors.register": {
		validateShape: requireStringField("id"),
		handler:       handleRegisterDataConnector,
	},

	"storage.set": {
		requiredPerms: []extensions.Permission{extensions.PermStorage},
		validateShape: requireStringField("key"),
		handler:       handleStorageSet,
	},
	"storage.get": {
		requiredPerms: []extensions.Permission{extensions.PermStorage},
		validateShape: requireStringField("key"),
		handler:       handleStorageGet,
	},
	"storage.delete": {
		requiredPerms: []extensions.Permission{extensions.PermStorage},
		validateShape: requireStringField("key"),
		handler:       handleStorageDelete,
	},

	"config.get": {
		validateShape: requireStringField("key"),
		handler:       handleConfigGet,
	},
	"config.update": {
		validateShape: requireStringField("key"),
		handler:       handleConfigUpdate,
	},

	"network.fetch":         {validateShape: requireStringField("url"), handler: handleNetworkFetch},
	"network.openWebSocket": {validateShape: requireStringField("url"), handler: handleNetworkOpenWebSocket},
}

func requireStringField(field string) func(json.RawMessage) error {
	return requireStringFields(field)
}

func requireStringFields(fields ...string) func(json.RawMessage) error {
	return func(args json.RawMessage) error {
		var m map[string]interface{}
		if err := json.Unmarshal(args, &m); err != nil {
			return &extensions.ShapeError{Detail: "arguments must be a JSON object"}
		}
		for _, f := range fields {
			v, ok := m[f]
			if !ok {
				return &extensions.ShapeError{Detail: fmt.Sprintf("%q is required", f)}
			}
			s, ok := v.(string)
			if !ok || s == "" {
				return &extensions.ShapeError{Detail: fmt.Sprintf("%q must be a non-empty string", f)}
			}
		}
		return nil
	}
}

func handleGetActiveWorkbook(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	active, err := d.Spreadsheet.GetActiveSheet()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"activeSheet": active}, nil
}

func handleGetActiveSheet(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	return d.Spreadsheet.GetActiveSheet()
}

func handleListSheets(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	return d.Spreadsheet.ListSheets()
}

type nameArg struct {
	Name string `json:"name"`
}

func handleGetSheet(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a nameArg
	json.Unmarshal(args, &a)
	return d.Spreadsheet.GetSheet(a.Name)
}

func handleCreateSheet(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a nameArg
	json.Unmarshal(args, &a)
	return nil, d.Spreadsheet.CreateSheet(a.Name)
}

func handleRenameSheet(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct{ From, To string }
	json.Unmarshal(args, &a)
	return nil, d.Spreadsheet.RenameSheet(a.From, a.To)
}

func handleDeleteSheet(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a nameArg
	json.Unmarshal(args, &a)
	return nil, d.Spreadsheet.DeleteSheet(a.Name)
}

func handleActivateSheet(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a nameArg
	json.Unmarshal(args, &a)
	return nil, d.Spreadsheet.ActivateSheet(a.Name)
}

func handleGetSelection(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	return d.Spreadsheet.GetSelection()
}

func handleGetCell(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct {
		Sheet    string
		Row, Col int
	}
	json.Unmarshal(args, &a)
	return d.Spreadsheet.GetCell(a.Sheet, a.Row, a.Col)
}

func handleSetCell(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct {
		Sheet    string
		Row, Col int
		Value    interface{}
	}
	json.Unmarshal(args, &a)
	return nil, d.Spreadsheet.SetCell(a.Sheet, a.Row, a.Col, a.Value)
}

func handleGetRange(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct{ A1 string }
	json.Unmarshal(args, &a)
	if _, err := checkRangeSize(a.A1); err != nil {
		return nil, err
	}
	return d.Spreadsheet.GetRange(a.A1)
}

func handleSetRange(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct {
		A1     string
		Values [][]interface{}
	}
	json.Unmarshal(args, &a)
	if _, err := checkRangeSize(a.A1); err != nil {
		return nil, err
	}
	return nil, d.Spreadsheet.SetRange(a.A1, a.Values)
}

func handleCreatePanel(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct{ PanelID, Title, HTML string }
	json.Unmarshal(args, &a)
	if _, err := d.CreatePanel(rc.ID, a.PanelID, a.Title, a.HTML); err != nil {
		return nil, err
	}
	return map[string]interface{}{"panelId": a.PanelID, "created": true}, nil
}

func handlePostPanelMessage(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct {
		PanelID string
		Message json.RawMessage
	}
	json.Unmarshal(args, &a)
	if err := d.PostPanelMessage(rc.ID, a.PanelID, a.Message); err != nil {
		return nil, err
	}
	return map[string]interface{}{"panelId": a.PanelID, "posted": true}, nil
}

func handleRegisterMenuItem(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct{ MenuID, Command, When, Group string }
	json.Unmarshal(args, &a)
	if _, err := d.RegisterMenuItem(rc.ID, a.MenuID, ContextMenuItem{Command: a.Command, When: a.When, Group: a.Group}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"menuId": a.MenuID, "registered": true}, nil
}

func handleRegisterCommand(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct{ Command string }
	json.Unmarshal(args, &a)
	if err := d.RegisterCommand(rc.ID, a.Command); err != nil {
		return nil, err
	}
	return map[string]interface{}{"command": a.Command, "registered": true}, nil
}

func handleRegisterDataConnector(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct{ ID string }
	json.Unmarshal(args, &a)
	for _, c := range rc.Manifest.Contributes.DataConnectors {
		if c.ID == a.ID {
			return map[string]interface{}{"id": a.ID, "registered": true}, nil
		}
	}
	return nil, &extensions.ShapeError{Detail: fmt.Sprintf("data connector %q is not declared in contributes.dataConnectors", a.ID)}
}

func handleStorageSet(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct {
		Key   string
		Value interface{}
	}
	json.Unmarshal(args, &a)
	return nil, d.Storage.Set(rc.ID, a.Key, a.Value)
}

func handleStorageGet(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct{ Key string }
	json.Unmarshal(args, &a)
	v, ok, err := d.Storage.Get(rc.ID, a.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return v, nil
}

func handleStorageDelete(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct{ Key string }
	json.Unmarshal(args, &a)
	return nil, d.Storage.Delete(rc.ID, a.Key)
}

func handleConfigGet(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct{ Key string }
	json.Unmarshal(args, &a)
	return d.Config.Get(rc.ID, rc.Manifest, a.Key)
}

func handleConfigUpdate(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct {
		Key   string
		Value interface{}
	}
	json.Unmarshal(args, &a)
	if err := d.Config.Update(rc.ID, rc.Manifest, a.Key, a.Value); err != nil {
		return nil, err
	}
	if d.Events != nil {
		d.Events.EmitConfigChanged(rc.ID, a.Key, a.Value)
	}
	return map[string]interface{}{"key": a.Key, "updated": true}, nil
}
