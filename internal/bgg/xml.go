package bgg

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"bgg-roller/internal/models"
)

const playDateLayout = "2006-01-02"

type valueAttr struct {
	Value string `xml:"value,attr"`
}

type collectionXML struct {
	XMLName    xml.Name  `xml:"items"`
	TotalItems int       `xml:"totalitems,attr"`
	Items      []itemXML `xml:"item"`
}

type itemXML struct {
	ObjectID      int    `xml:"objectid,attr"`
	Name          string `xml:"name"`
	YearPublished int    `xml:"yearpublished"`
	Image         string `xml:"image"`
	Thumbnail     string `xml:"thumbnail"`
	NumPlays      int    `xml:"numplays"`
	Status        struct {
		Own string `xml:"own,attr"`
	} `xml:"status"`
	Stats struct {
		MinPlayers  int `xml:"minplayers,attr"`
		MaxPlayers  int `xml:"maxplayers,attr"`
		PlayingTime int `xml:"playingtime,attr"`
		Rating      struct {
			Value   string    `xml:"value,attr"`
			Average valueAttr `xml:"average"`
		} `xml:"rating"`
	} `xml:"stats"`
}

type playsXML struct {
	XMLName xml.Name  `xml:"plays"`
	Total   int       `xml:"total,attr"`
	Page    int       `xml:"page,attr"`
	Plays   []playXML `xml:"play"`
}

type playXML struct {
	Date     string `xml:"date,attr"`
	Quantity int    `xml:"quantity,attr"`
	Item     struct {
		ObjectID int    `xml:"objectid,attr"`
		Name     string `xml:"name,attr"`
	} `xml:"item"`
}

type errorsXML struct {
	Errors []struct {
		Message string `xml:"message"`
	} `xml:"error"`
}

// rootElement returns the name of the first element in doc.
func rootElement(doc string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", errors.New("document has no root element")
		}
		if err != nil {
			return "", errors.Wrap(err, "invalid XML")
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

func parseCollection(doc string) ([]models.Game, error) {
	var c collectionXML
	if err := xml.NewDecoder(bytes.NewBufferString(doc)).Decode(&c); err != nil {
		return nil, errors.Wrap(err, "decode collection")
	}

	games := make([]models.Game, 0, len(c.Items))
	for _, it := range c.Items {
		g := models.Game{
			ID:          it.ObjectID,
			Name:        strings.TrimSpace(it.Name),
			Year:        it.YearPublished,
			Image:       strings.TrimSpace(it.Image),
			Thumbnail:   strings.TrimSpace(it.Thumbnail),
			MinPlayers:  it.Stats.MinPlayers,
			MaxPlayers:  it.Stats.MaxPlayers,
			PlayingTime: it.Stats.PlayingTime,
			Owned:       it.Status.Own == "1",
			NumPlays:    it.NumPlays,
		}
		if r, err := strconv.ParseFloat(it.Stats.Rating.Value, 64); err == nil && r > 0 {
			g.PersonalRating = &r
		}
		if avg, err := strconv.ParseFloat(it.Stats.Rating.Average.Value, 64); err == nil {
			g.BGGRating = avg
		}
		games = append(games, g)
	}
	return games, nil
}

// parsePlays returns the most recent play date per game id and the total
// number of plays the user has logged.
func parsePlays(doc string) (map[int]time.Time, int, error) {
	var p playsXML
	if err := xml.NewDecoder(bytes.NewBufferString(doc)).Decode(&p); err != nil {
		return nil, 0, errors.Wrap(err, "decode plays")
	}

	latest := make(map[int]time.Time)
	for _, play := range p.Plays {
		date, err := time.Parse(playDateLayout, play.Date)
		if err != nil {
			continue
		}
		if prev, ok := latest[play.Item.ObjectID]; !ok || date.After(prev) {
			latest[play.Item.ObjectID] = date
		}
	}
	return latest, p.Total, nil
}

func parseErrors(doc string) string {
	var e errorsXML
	if err := xml.Unmarshal([]byte(doc), &e); err != nil || len(e.Errors) == 0 {
		return "unknown BGG error"
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, m := range e.Errors {
		msgs = append(msgs, strings.TrimSpace(m.Message))
	}
	return strings.Join(msgs, "; ")
}

func parseMessage(doc string) string {
	var m struct {
		Text string `xml:",chardata"`
	}
	if err := xml.Unmarshal([]byte(doc), &m); err != nil {
		return ""
	}
	return strings.TrimSpace(m.Text)
}
