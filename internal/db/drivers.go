package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridian-lims/lablink/internal/driver"
)

const driverColumns = `id, name, manufacturer, model, transport, port_path, baud_rate,
	data_bits, stop_bits, parity, tcp_host, tcp_port, dialect, field_map, enabled`

func scanDriver(scan func(...any) error) (*driver.Config, error) {
	var c driver.Config
	var dialectJSON, fieldMapJSON string
	var enabled int

	err := scan(&c.ID, &c.Name, &c.Manufacturer, &c.Model, &c.Transport,
		&c.Serial.PortPath, &c.Serial.BaudRate, &c.Serial.DataBits,
		&c.Serial.StopBits, &c.Serial.Parity, &c.TCP.Host, &c.TCP.Port,
		&dialectJSON, &fieldMapJSON, &enabled)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(dialectJSON), &c.Dialect); err != nil {
		return nil, fmt.Errorf("driver %s: malformed dialect: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(fieldMapJSON), &c.FieldMap); err != nil {
		return nil, fmt.Errorf("driver %s: malformed field map: %w", c.ID, err)
	}
	c.Enabled = enabled == 1
	return &c, nil
}

// GetDriver returns a single driver configuration by id, or ErrNotFound.
func (db *DB) GetDriver(id string) (*driver.Config, error) {
	row := db.QueryRow(`SELECT `+driverColumns+` FROM instrument_drivers WHERE id = ?`, id)
	c, err := scanDriver(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}
	return c, nil
}

// ListEnabledDrivers returns all enabled driver configurations, grouped by
// manufacturer then name for stable display order.
func (db *DB) ListEnabledDrivers() ([]driver.Config, error) {
	rows, err := db.Query(`SELECT ` + driverColumns + ` FROM instrument_drivers
		WHERE enabled = 1 ORDER BY manufacturer, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query drivers: %w", err)
	}
	defer rows.Close()

	var configs []driver.Config
	for rows.Next() {
		c, err := scanDriver(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan driver: %w", err)
		}
		configs = append(configs, *c)
	}
	return configs, rows.Err()
}

// SaveDriver inserts or replaces a driver configuration after validating it.
func (db *DB) SaveDriver(c driver.Config) error {
	if err := c.Validate(); err != nil {
		return err
	}

	dialectJSON, err := json.Marshal(c.Dialect)
	if err != nil {
		return fmt.Errorf("failed to encode dialect: %w", err)
	}
	fieldMapJSON, err := json.Marshal(c.FieldMap)
	if err != nil {
		return fmt.Errorf("failed to encode field map: %w", err)
	}

	enabled := 0
	if c.Enabled {
		enabled = 1
	}
	now := time.Now().Unix()

	_, err = db.Exec(`INSERT INTO instrument_drivers
		(id, name, manufacturer, model, transport, port_path, baud_rate, data_bits,
		 stop_bits, parity, tcp_host, tcp_port, dialect, field_map, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 name=excluded.name, manufacturer=excluded.manufacturer, model=excluded.model,
		 transport=excluded.transport, port_path=excluded.port_path,
		 baud_rate=excluded.baud_rate, data_bits=excluded.data_bits,
		 stop_bits=excluded.stop_bits, parity=excluded.parity,
		 tcp_host=excluded.tcp_host, tcp_port=excluded.tcp_port,
		 dialect=excluded.dialect, field_map=excluded.field_map,
		 enabled=excluded.enabled, updated_at=excluded.updated_at`,
		c.ID, c.Name, c.Manufacturer, c.Model, c.Transport,
		c.Serial.PortPath, c.Serial.BaudRate, c.Serial.DataBits, c.Serial.StopBits,
		c.Serial.Parity, c.TCP.Host, c.TCP.Port,
		string(dialectJSON), string(fieldMapJSON), enabled, now, now)
	if err != nil {
		return fmt.Errorf("failed to save driver %s: %w", c.ID, err)
	}
	return nil
}
